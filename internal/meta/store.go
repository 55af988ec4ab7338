// Package meta implements the in-memory bucket/object/user metadata
// store and its durable snapshot to <data_root>/s3_meta.dat and
// <data_root>/user.dat.
package meta

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Bucket is one row of the bucket table. (Name, OwnerID) is unique.
type Bucket struct {
	ID        int64
	Name      string
	CreatedAt string
	OwnerID   string
}

// Object is one row of the object table. (BucketID, Key) is unique.
type Object struct {
	ID           int64
	BucketID     int64
	Key          string
	Size         int64
	LastModified string
	ETag         string
	StoragePath  string
	ACL          string
}

// User is one row of the user table, without its secret (the secret
// lives only in the secrets map, keyed by access key).
type User struct {
	ID        int64
	Username  string
	AccessKey string
	CreatedAt string
}

// Store is the single shared mutable metadata resource. Every public
// method takes the store's lock; no method calls another while holding
// it.
type Store struct {
	mu sync.Mutex

	dataRoot string

	nextBucketID int64
	nextObjectID int64
	nextUserID   int64

	buckets []Bucket
	objects []Object
	users   []User
	secrets map[string]string // access_key -> secret_key

	lastSaveErr string
}

// New returns an empty store. Call Load before serving traffic.
func New() *Store {
	return &Store{
		nextBucketID: 1,
		nextObjectID: 1,
		nextUserID:   1,
		secrets:      make(map[string]string),
	}
}

func nowISO8601() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

func (s *Store) metaFilePath() string    { return filepath.Join(s.dataRoot, "s3_meta.dat") }
func (s *Store) userDatPath() string     { return filepath.Join(s.dataRoot, "user.dat") }

// LastSaveError returns the error message from the most recent failed
// Save call, or "" if the last Save (if any) succeeded.
func (s *Store) LastSaveError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaveErr
}

// Load reads <dataRoot>/s3_meta.dat (buckets and objects only). A
// missing file is not an error: the store starts empty. Any other read
// error is fatal to startup.
func (s *Store) Load(dataRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dataRoot = dataRoot
	s.nextBucketID = 1
	s.nextObjectID = 1
	s.nextUserID = 1
	s.buckets = nil
	s.objects = nil
	s.users = nil
	s.secrets = make(map[string]string)

	f, err := os.Open(s.metaFilePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("meta: open %s: %w", s.metaFilePath(), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")

		if first {
			first = false
			if parts[0] == "N" && len(parts) >= 3 {
				s.nextBucketID = parseInt64(parts[1], 1)
				s.nextObjectID = parseInt64(parts[2], 1)
			}
			continue
		}

		switch {
		case parts[0] == "B" && len(parts) >= 5:
			s.buckets = append(s.buckets, Bucket{
				ID:        parseInt64(parts[1], 0),
				Name:      parts[2],
				CreatedAt: parts[3],
				OwnerID:   parts[4],
			})
		case parts[0] == "O" && len(parts) >= 9:
			s.objects = append(s.objects, Object{
				ID:           parseInt64(parts[1], 0),
				BucketID:     parseInt64(parts[2], 0),
				Key:          parts[3],
				Size:         parseInt64(parts[4], 0),
				LastModified: parts[5],
				ETag:         parts[6],
				StoragePath:  parts[7],
				ACL:          parts[8],
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("meta: read %s: %w", s.metaFilePath(), err)
	}
	return nil
}

// EnsureRootUser adds the administrator user if no user named "root" is
// present yet. Must be called before LoadUserDat.
func (s *Store) EnsureRootUser(accessKey, secretKey string) {
	if accessKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == "root" {
			return
		}
	}
	u := User{
		ID:        s.nextUserID,
		Username:  "root",
		AccessKey: accessKey,
		CreatedAt: nowISO8601(),
	}
	s.nextUserID++
	s.users = append(s.users, u)
	s.secrets[accessKey] = secretKey
}

// LoadUserDat reads <dataRoot>/user.dat, populating users and secrets.
// Must be called after EnsureRootUser. Lines labeled "root" are skipped
// (root is authoritative from configuration). A legacy two-field line
// "<access_key>\t<secret>" is accepted and promoted.
func (s *Store) LoadUserDat() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.userDatPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("meta: open %s: %w", s.userDatPath(), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	var placeholderID int64 = 1
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")

		if first && parts[0] == "N" && len(parts) >= 2 {
			if fileNext := parseInt64(parts[1], 0); fileNext > s.nextUserID {
				s.nextUserID = fileNext
			}
			first = false
			continue
		}
		first = false

		switch {
		case parts[0] == "U" && len(parts) >= 6:
			if parts[2] == "root" {
				continue
			}
			s.secrets[parts[3]] = parts[4]
			s.users = append(s.users, User{
				ID:        parseInt64(parts[1], 0),
				Username:  parts[2],
				AccessKey: parts[3],
				CreatedAt: parts[5],
			})
		case len(parts) >= 2 && parts[0] != "N":
			// Legacy two-field line: access_key \t secret_key.
			if _, exists := s.secrets[parts[0]]; exists {
				continue
			}
			s.secrets[parts[0]] = parts[1]
			s.users = append(s.users, User{
				ID:        placeholderID,
				Username:  parts[0],
				AccessKey: parts[0],
			})
			placeholderID++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("meta: read %s: %w", s.userDatPath(), err)
	}
	if placeholderID > 1 && placeholderID > s.nextUserID {
		s.nextUserID = placeholderID
	}
	return nil
}

// Save writes an atomic snapshot: s3_meta.dat first, then user.dat, each
// via write-temp-then-rename. On failure it records the error (see
// LastSaveError) and returns false; on-disk state is left unchanged
// because rename is the durability barrier.
func (s *Store) Save() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSaveErr = ""

	if err := s.writeMetaFile(); err != nil {
		s.lastSaveErr = err.Error()
		return false
	}
	if err := s.writeUserFile(); err != nil {
		s.lastSaveErr = err.Error()
		return false
	}
	return true
}

func (s *Store) writeMetaFile() error {
	path := s.metaFilePath()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "N\t%d\t%d\n", s.nextBucketID, s.nextObjectID)
	for _, b := range s.buckets {
		fmt.Fprintf(&buf, "B\t%d\t%s\t%s\t%s\n", b.ID, b.Name, b.CreatedAt, b.OwnerID)
	}
	for _, o := range s.objects {
		fmt.Fprintf(&buf, "O\t%d\t%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			o.ID, o.BucketID, o.Key, o.Size, o.LastModified, o.ETag, o.StoragePath, o.ACL)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Store) writeUserFile() error {
	path := s.userDatPath()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "N\t%d\n", s.nextUserID)
	for _, u := range s.users {
		secret, ok := s.secrets[u.AccessKey]
		if !ok {
			continue
		}
		fmt.Fprintf(&buf, "U\t%d\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.AccessKey, secret, u.CreatedAt)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// GetBucketByNameAndOwner returns the bucket matching name and ownerID,
// and whether it was found.
func (s *Store) GetBucketByNameAndOwner(name, ownerID string) (Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		if b.Name == name && b.OwnerID == ownerID {
			return b, true
		}
	}
	return Bucket{}, false
}

// ListBucketsByOwner returns every bucket owned by ownerID, in creation
// order.
func (s *Store) ListBucketsByOwner(ownerID string) []Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Bucket
	for _, b := range s.buckets {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out
}

// CreateBucket inserts a new bucket and returns its id, or 0 if a
// bucket with the same (name, ownerID) already exists.
func (s *Store) CreateBucket(name, ownerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		if b.Name == name && b.OwnerID == ownerID {
			return 0
		}
	}
	b := Bucket{
		ID:        s.nextBucketID,
		Name:      name,
		CreatedAt: nowISO8601(),
		OwnerID:   ownerID,
	}
	s.nextBucketID++
	s.buckets = append(s.buckets, b)
	return b.ID
}

// RestoreBucket re-inserts a bucket record previously removed by
// DeleteBucket, without consuming a new id. It exists only to undo a
// delete whose metadata snapshot failed to save.
func (s *Store) RestoreBucket(b Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = append(s.buckets, b)
}

// RestoreObject re-inserts an object record previously removed by
// DeleteObject, without consuming a new id. It exists only to undo a
// delete whose metadata snapshot failed to save.
func (s *Store) RestoreObject(o Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, o)
}

// DeleteBucket removes the bucket with the given id along with any
// objects still belonging to it, and reports whether the bucket
// existed.
func (s *Store) DeleteBucket(bucketID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	buckets := s.buckets[:0:0]
	for _, b := range s.buckets {
		if b.ID == bucketID {
			found = true
			continue
		}
		buckets = append(buckets, b)
	}
	if !found {
		return false
	}
	s.buckets = buckets

	objects := s.objects[:0:0]
	for _, o := range s.objects {
		if o.BucketID == bucketID {
			continue
		}
		objects = append(objects, o)
	}
	s.objects = objects
	return true
}

// CountObjects returns the number of objects currently belonging to
// bucketID, used to enforce non-empty-bucket deletion rules.
func (s *Store) CountObjects(bucketID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.objects {
		if o.BucketID == bucketID {
			n++
		}
	}
	return n
}

// GetObject returns the object with the given bucketID and key, and
// whether it was found.
func (s *Store) GetObject(bucketID int64, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if o.BucketID == bucketID && o.Key == key {
			return o, true
		}
	}
	return Object{}, false
}

// ListObjects returns every object belonging to bucketID whose key has
// the given prefix (empty prefix matches all), in no particular order.
func (s *Store) ListObjects(bucketID int64, prefix string) []Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Object
	for _, o := range s.objects {
		if o.BucketID == bucketID && strings.HasPrefix(o.Key, prefix) {
			out = append(out, o)
		}
	}
	return out
}

// PutObject inserts or, if (bucketID, key) already exists, overwrites
// the object's metadata in place, preserving its id. It returns the
// object's id.
func (s *Store) PutObject(bucketID int64, key string, size int64, etag, storagePath, acl string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowISO8601()
	for i := range s.objects {
		o := &s.objects[i]
		if o.BucketID == bucketID && o.Key == key {
			o.Size = size
			o.LastModified = now
			o.ETag = etag
			o.StoragePath = storagePath
			o.ACL = acl
			return o.ID
		}
	}
	o := Object{
		ID:           s.nextObjectID,
		BucketID:     bucketID,
		Key:          key,
		Size:         size,
		LastModified: now,
		ETag:         etag,
		StoragePath:  storagePath,
		ACL:          acl,
	}
	s.nextObjectID++
	s.objects = append(s.objects, o)
	return o.ID
}

// DeleteObject removes the object matching (bucketID, key) and returns
// its storage path along with whether it existed, so the caller can
// unlink the underlying file after the metadata change is durable.
func (s *Store) DeleteObject(bucketID int64, key string) (storagePath string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.objects {
		if o.BucketID == bucketID && o.Key == key {
			storagePath = o.StoragePath
			s.objects = append(s.objects[:i], s.objects[i+1:]...)
			return storagePath, true
		}
	}
	return "", false
}

const accessKeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = accessKeyCharset[int(b)%len(accessKeyCharset)]
	}
	return string(out), nil
}

var errForbiddenChar = errors.New("meta: field contains tab or newline")
var errDuplicateUsername = errors.New("meta: username already exists")

// CreateUser generates a fresh access key (20 chars) and secret key (40
// chars) for username and persists the mapping in memory. The secret is
// returned once to the caller and never again: later lookups only see
// the username/access-key/created-at triple (User).
func (s *Store) CreateUser(username string) (accessKey, secretKey string, err error) {
	if strings.ContainsAny(username, "\t\n") {
		return "", "", errForbiddenChar
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return "", "", errDuplicateUsername
		}
	}

	for {
		accessKey, err = randomToken(20)
		if err != nil {
			return "", "", fmt.Errorf("meta: generate access key: %w", err)
		}
		if _, exists := s.secrets[accessKey]; !exists {
			break
		}
	}
	secretKey, err = randomToken(40)
	if err != nil {
		return "", "", fmt.Errorf("meta: generate secret key: %w", err)
	}

	u := User{
		ID:        s.nextUserID,
		Username:  username,
		AccessKey: accessKey,
		CreatedAt: nowISO8601(),
	}
	s.nextUserID++
	s.users = append(s.users, u)
	s.secrets[accessKey] = secretKey
	return accessKey, secretKey, nil
}

// GetSecretByAccessKey returns the secret key bound to accessKey, and
// whether it exists.
func (s *Store) GetSecretByAccessKey(accessKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[accessKey]
	return secret, ok
}

// HasUserByAccessKey reports whether accessKey is bound to a user.
func (s *Store) HasUserByAccessKey(accessKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.secrets[accessKey]
	return ok
}

// HasUserByUsername reports whether username already has an account.
func (s *Store) HasUserByUsername(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return true
		}
	}
	return false
}

// ListUsers returns every user (root included), in creation order. It
// never includes secrets.
func (s *Store) ListUsers() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, len(s.users))
	copy(out, s.users)
	return out
}

func parseInt64(s string, def int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
