package httpio

import (
	"bytes"
	"io"
	"net"

	"silo3/internal/bufpool"
	"silo3/internal/msgview"
)

// MaxHeaderBytes is the limit on header-section size before end-of-
// headers (CRLFCRLF) must appear.
const MaxHeaderBytes = 65536

// MaxContentLength is the limit on a request body's Content-Length.
const MaxContentLength = 1 << 30 // 1 GiB

// ErrHeaderTooLarge is returned when no CRLFCRLF is found within
// MaxHeaderBytes.
var ErrHeaderTooLarge = headerTooLargeError{}

type headerTooLargeError struct{}

func (headerTooLargeError) Error() string { return "httpio: header section exceeds limit" }

// ErrContentTooLarge is returned when a request declares a Content-Length
// beyond MaxContentLength.
var ErrContentTooLarge = contentTooLargeError{}

type contentTooLargeError struct{}

func (contentTooLargeError) Error() string { return "httpio: content-length exceeds limit" }

// ReadRequest reads conn into msg (which must already be Clear) until the
// full request — headers and, if declared, body — has been absorbed. It
// returns the total bytes read and the declared content length (0 if
// absent). Reads land directly in pool-acquired units; no intermediate
// buffering layer copies the data a second time.
func ReadRequest(conn net.Conn, pool *bufpool.Pool, cache *bufpool.Cache, msg *msgview.View) (total int, contentLength int64, err error) {
	headerEnd := -1
	chunk := make([]byte, 4096)

	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			if !msg.CopyIn(pool, cache, chunk[:n]) {
				return total, 0, io.ErrShortBuffer
			}
			total += n
		}
		if rerr != nil {
			if total == 0 {
				return 0, 0, rerr
			}
			break
		}

		headerEnd = findHeaderEnd(msg)
		if headerEnd >= 0 {
			break
		}
		if uint32(total) >= MaxHeaderBytes {
			return total, 0, ErrHeaderTooLarge
		}
	}

	if headerEnd < 0 {
		return total, 0, ErrHeaderTooLarge
	}

	contentLength = scanContentLength(msg, headerEnd)
	if contentLength > MaxContentLength {
		return total, 0, ErrContentTooLarge
	}
	if contentLength < 0 {
		contentLength = 0
	}

	need := headerEnd + int(contentLength) - total
	for need > 0 {
		toRead := len(chunk)
		if need < toRead {
			toRead = need
		}
		n, rerr := conn.Read(chunk[:toRead])
		if n > 0 {
			if !msg.CopyIn(pool, cache, chunk[:n]) {
				return total, contentLength, io.ErrShortBuffer
			}
			total += n
			need -= n
		}
		if rerr != nil {
			return total, contentLength, rerr
		}
	}

	return total, contentLength, nil
}

// findHeaderEnd linearizes msg and returns the byte offset just past the
// first CRLFCRLF (i.e. the start of the body), or -1 if not yet present.
func findHeaderEnd(msg *msgview.View) int {
	total := int(msg.TotalLength())
	if total == 0 {
		return -1
	}
	linear := make([]byte, total)
	msg.CopyOut(linear)
	idx := bytes.Index(linear, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

// scanContentLength linearizes the header section of msg and looks for a
// Content-Length header, returning -1 if absent or malformed.
func scanContentLength(msg *msgview.View, headerEnd int) int64 {
	linear := make([]byte, headerEnd)
	msg.CopyOut(linear)
	var req Request
	if !ParseRequest(linear, &req) {
		return -1
	}
	return req.ContentLength
}
