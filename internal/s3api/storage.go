package s3api

import (
	"os"
	"path/filepath"
	"strings"
)

// validBucketName rejects empty names and any name containing '/' or
// '..', per §4.F.
func validBucketName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.Contains(name, "/") && !strings.Contains(name, "..")
}

// validObjectKey rejects keys containing '..'.
func validObjectKey(key string) bool {
	return key != "" && !strings.Contains(key, "..")
}

// bucketDir returns <data_root>/s3/<owner_id>_<bucket_name>.
func bucketDir(dataRoot, ownerID, bucketName string) string {
	return filepath.Join(dataRoot, "s3", ownerID+"_"+bucketName)
}

// objectPath returns the on-disk path for key within bucketDir, creating
// any directory components the key implies.
func objectPath(dataRoot, ownerID, bucketName, key string) string {
	return filepath.Join(bucketDir(dataRoot, ownerID, bucketName), key)
}

// underDataRoot reports whether path lies under <data_root>/, defending
// the read/unlink paths against metadata tampering (§4.F).
func underDataRoot(dataRoot, path string) bool {
	rel, err := filepath.Rel(dataRoot, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
