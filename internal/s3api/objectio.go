package s3api

import (
	"bytes"

	"github.com/natefinch/atomic"
)

// writeObjectFile writes body to path via a temp-file-then-rename so a
// crash or short write never leaves a half-written object at its final
// name, the same durability discipline the metadata store uses for its
// snapshot files.
func writeObjectFile(path string, body []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(body))
}
