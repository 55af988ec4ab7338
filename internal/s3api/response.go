package s3api

import (
	"fmt"

	"silo3/internal/bufpool"
	"silo3/internal/msgview"
)

// errorBody is the wire shape of every non-2xx JSON response.
type errorBody struct {
	Code    int    `json:"code"`
	Symbol  string `json:"Code"`
	Message string `json:"Message"`
}

// apiError pairs an HTTP status with the symbol/message pair reported in
// the JSON body.
type apiError struct {
	Status  int
	Symbol  string
	Message string
}

func (e *apiError) Error() string { return e.Symbol + ": " + e.Message }

func newAPIError(status int, symbol, message string) *apiError {
	return &apiError{Status: status, Symbol: symbol, Message: message}
}

var (
	errAccessDenied       = newAPIError(403, "AccessDenied", "signature missing, mismatched, or expired")
	errAdminOnly          = newAPIError(403, "AccessDenied", "administrator-only endpoint")
	errMalformedRequest   = newAPIError(400, "MalformedRequest", "could not parse request")
	errInvalidBucketName  = newAPIError(400, "InvalidBucketName", "bucket name is empty or contains '/' or '..'")
	errInvalidObjectKey   = newAPIError(400, "InvalidObjectKey", "object key contains '..'")
	errNoSuchBucket       = newAPIError(404, "NoSuchBucket", "the specified bucket does not exist")
	errNoSuchKey          = newAPIError(404, "NoSuchKey", "the specified key does not exist")
	errBucketNotEmpty     = newAPIError(409, "BucketNotEmpty", "the bucket is not empty")
	errObjectAlreadyExist = newAPIError(409, "ObjectAlreadyExists", "the object already exists")
	errUsernameExists     = newAPIError(409, "UsernameExists", "a user with this username already exists")
	errEmptyBody          = newAPIError(400, "InvalidRequest", "request body is required and must be non-empty")
	errPoolExhausted      = newAPIError(503, "SlowDown", "buffer pool exhausted")
	errStoreUnavailable   = newAPIError(503, "InternalError", "metadata snapshot failed")
	errIOFailure          = newAPIError(503, "InternalError", "object storage I/O failure")
)

// writeJSON composes status line + headers + blank line + body into msg
// via CopyIn, so the response path never leaves the zero-copy pipeline.
// On pool exhaustion it falls back to a minimal hand-built 503 written
// out of conn's reserved emergencyUnit; if even that fails the caller
// must close the connection without a response.
func writeJSON(msg *msgview.View, pool *bufpool.Pool, cache *bufpool.Cache, emergency *bufpool.Unit, status int, body []byte) bool {
	statusText := statusLine(status)
	head := fmt.Sprintf("HTTP/1.1 %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", statusText, len(body))

	if msg.CopyIn(pool, cache, []byte(head)) && msg.CopyIn(pool, cache, body) {
		return true
	}
	return writeEmergency(msg, emergency)
}

// writeRaw composes a response whose body is raw object bytes (GetObject).
func writeRaw(msg *msgview.View, pool *bufpool.Pool, cache *bufpool.Cache, emergency *bufpool.Unit, contentType string, body []byte) bool {
	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", contentType, len(body))
	if msg.CopyIn(pool, cache, []byte(head)) && msg.CopyIn(pool, cache, body) {
		return true
	}
	return writeEmergency(msg, emergency)
}

func writeError(msg *msgview.View, pool *bufpool.Pool, cache *bufpool.Cache, emergency *bufpool.Unit, apiErr *apiError) bool {
	body := jsonMarshal(errorBody{Code: 0, Symbol: apiErr.Symbol, Message: apiErr.Message})
	return writeJSON(msg, pool, cache, emergency, apiErr.Status, body)
}

// writeEmergency rebuilds a minimal 503 directly into the pre-reserved
// emergency unit, bypassing pool.Acquire entirely. It returns false if
// even the emergency unit cannot hold the response, in which case the
// connection must be closed with no response written.
func writeEmergency(msg *msgview.View, emergency *bufpool.Unit) bool {
	if emergency == nil {
		return false
	}
	const body = `{"code":0,"Code":"SlowDown","Message":"buffer pool exhausted"}`
	head := fmt.Sprintf("HTTP/1.1 503 Slow Down\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
	full := head + body
	if len(full) > emergency.Capacity() {
		return false
	}
	copy(emergency.Data(), full)
	msg.AppendUnit(emergency, 0, uint32(len(full)))
	return true
}

func statusLine(status int) string {
	switch status {
	case 200:
		return "200 OK"
	case 201:
		return "201 Created"
	case 400:
		return "400 Bad Request"
	case 403:
		return "403 Forbidden"
	case 404:
		return "404 Not Found"
	case 409:
		return "409 Conflict"
	case 503:
		return "503 Slow Down"
	default:
		return fmt.Sprintf("%d Error", status)
	}
}
