package s3api

import (
	"log/slog"
	"time"
)

// logEntry carries the fields logged for one handled connection. It
// mirrors the request/user attribute grouping the rest of this module's
// ancestry uses for its HTTP access log, adapted from a per-request
// middleware to a per-connection summary since this server has no
// middleware chain to hang a wrapper off of.
type logEntry struct {
	RemoteAddr string
	Method     string
	Path       string
	AccessKey  string
	StatusCode int
	DurationMS float64
}

func (e logEntry) requestAttrs() slog.Attr {
	return slog.Group("request",
		"method", e.Method,
		"path", e.Path,
		"status_code", e.StatusCode,
		"duration_ms", e.DurationMS,
	)
}

func (e logEntry) userAttrs() slog.Attr {
	return slog.Group("user", "remote_addr", e.RemoteAddr, "access_key", e.AccessKey)
}

// logRequest emits the access log line for one finished connection, at
// Error for 5xx/4xx and Info otherwise, the same tiering the teacher
// repo's HTTP logging middleware used.
func logRequest(remoteAddr, method, path, accessKey string, status int, start time.Time) {
	e := logEntry{
		RemoteAddr: remoteAddr,
		Method:     method,
		Path:       path,
		AccessKey:  accessKey,
		StatusCode: status,
		DurationMS: float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond),
	}
	switch {
	case status >= 500:
		slog.Error("request", e.userAttrs(), e.requestAttrs())
	case status >= 400:
		slog.Warn("request", e.userAttrs(), e.requestAttrs())
	default:
		slog.Info("request", e.userAttrs(), e.requestAttrs())
	}
}
