package s3api

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"silo3/internal/bufpool"
	"silo3/internal/httpio"
	"silo3/internal/meta"
	"silo3/internal/msgview"
	"silo3/internal/s3auth"
)

func etagOf(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// Server holds the process-wide resources every connection handler
// needs: the buffer pool, the metadata store, the on-disk layout root,
// and the administrator credentials that gate admin endpoints and
// back-stop the signature verifier before any user record exists.
type Server struct {
	Pool        *bufpool.Pool
	Meta        *meta.Store
	DataRoot    string
	AdminKey    string
	AdminSecret string
}

// HandleConn runs the full read -> parse -> verify -> handle -> write ->
// close sequence for one accepted connection, on the goroutine the
// caller dedicates to it. It never returns early except by closing conn.
func (s *Server) HandleConn(conn net.Conn) {
	defer conn.Close()

	cache := bufpool.NewCache()
	start := time.Now()
	remoteAddr := conn.RemoteAddr().String()

	var reqMsg msgview.View
	defer reqMsg.Clear(cache)

	_, _, err := httpio.ReadRequest(conn, s.Pool, cache, &reqMsg)
	if err != nil {
		s.writeAndClose(conn, cache, nil, errMalformedRequest, remoteAddr, "", "", "", start)
		return
	}

	full := make([]byte, reqMsg.TotalLength())
	reqMsg.CopyOut(full)
	headerEnd := bytes.Index(full, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		s.writeAndClose(conn, cache, nil, errMalformedRequest, remoteAddr, "", "", "", start)
		return
	}
	headerEnd += 4

	var req httpio.Request
	if !httpio.ParseRequest(full[:headerEnd], &req) {
		s.writeAndClose(conn, cache, nil, errMalformedRequest, remoteAddr, "", "", "", start)
		return
	}
	body := full[headerEnd:]

	emergency := s.Pool.Acquire(cache)

	accessKey, apiErr := s.authenticate(&req)
	if apiErr != nil {
		s.writeAndClose(conn, cache, emergency, apiErr, remoteAddr, req.Method, req.Path, accessKey, start)
		return
	}

	status, respBody, contentType, apiErr := s.route(&req, accessKey, body)
	if apiErr != nil {
		s.writeAndClose(conn, cache, emergency, apiErr, remoteAddr, req.Method, req.Path, accessKey, start)
		return
	}

	var respMsg msgview.View
	defer respMsg.Clear(cache)
	var ok bool
	if contentType != "" {
		ok = writeRaw(&respMsg, s.Pool, cache, emergency, contentType, respBody)
	} else {
		ok = writeJSON(&respMsg, s.Pool, cache, emergency, status, respBody)
	}
	if emergency != nil {
		emergency.Release(cache)
	}
	if !ok {
		logRequest(remoteAddr, req.Method, req.Path, accessKey, 503, start)
		return
	}

	iov := respMsg.Iovec()
	if _, err := iov.WriteTo(conn); err != nil {
		slog.Warn("response write failed", "err", err, "path", req.Path)
	}
	logRequest(remoteAddr, req.Method, req.Path, accessKey, status, start)
}

func (s *Server) writeAndClose(conn net.Conn, cache *bufpool.Cache, emergency *bufpool.Unit, apiErr *apiError, remoteAddr, method, path, accessKey string, start time.Time) {
	var msg msgview.View
	defer msg.Clear(cache)
	ok := writeError(&msg, s.Pool, cache, emergency, apiErr)
	if emergency != nil {
		emergency.Release(cache)
	}
	if !ok {
		logRequest(remoteAddr, method, path, accessKey, 503, start)
		return
	}
	iov := msg.Iovec()
	iov.WriteTo(conn)
	logRequest(remoteAddr, method, path, accessKey, apiErr.Status, start)
}

// authenticate resolves the requester's access key via the presigned
// query signature. It never itself checks administrator scoping: that
// happens per-route in route().
func (s *Server) authenticate(req *httpio.Request) (string, *apiError) {
	sreq := &s3auth.Request{
		Method:      req.Method,
		ContentMD5:  req.ContentMD5,
		ContentType: req.ContentType,
		Path:        req.Path,
	}
	lookup := func(ak string) (string, bool) { return s.Meta.GetSecretByAccessKey(ak) }
	accessKey, ok := s3auth.Verify(sreq, req.Query, lookup, s.AdminKey, s.AdminSecret, time.Now())
	if !ok {
		return "", errAccessDenied
	}
	return accessKey, nil
}

// route dispatches by method and normalized path prefix, per §4.F's
// table. It returns the JSON/raw body to write, a non-empty contentType
// only for raw object bodies, and a non-nil apiError on any failure.
func (s *Server) route(req *httpio.Request, accessKey string, body []byte) (status int, respBody []byte, contentType string, apiErr *apiError) {
	path := req.Path
	method := req.Method

	if path == "/_admin/users" && method == "POST" {
		return s.handleCreateUser(accessKey, body)
	}
	if path == "/_admin/users" && method == "GET" {
		return s.handleListUsers(accessKey)
	}
	if rest, ok := stripRoutePrefix(path, "getBucket"); ok && method == "GET" {
		return s.handleGetBucket(accessKey, rest)
	}
	if rest, ok := stripRoutePrefix(path, "getObject"); ok && method == "GET" {
		return s.handleGetObject(accessKey, rest)
	}
	if rest, ok := stripRoutePrefix(path, "createBucket"); ok && method == "PUT" {
		return s.handleCreateBucket(accessKey, rest)
	}
	if rest, ok := stripRoutePrefix(path, "createObject"); ok && method == "PUT" {
		return s.handleCreateObject(accessKey, rest, body)
	}
	if rest, ok := stripRoutePrefix(path, "deleteBucket"); ok && method == "DELETE" {
		return s.handleDeleteBucket(accessKey, rest)
	}
	if rest, ok := stripRoutePrefix(path, "deleteObject"); ok && method == "DELETE" {
		return s.handleDeleteObject(accessKey, rest)
	}
	return 0, nil, "", newAPIError(404, "NotFound", "no route matches "+method+" "+path)
}

// stripRoutePrefix matches both the bare verb path (the normalized form
// of "/verb/" with nothing after it, since path normalization collapses
// the trailing slash) and "/verb/<rest>", returning the remainder after
// the verb segment.
func stripRoutePrefix(path, verb string) (rest string, matched bool) {
	bare := "/" + verb
	if path == bare {
		return "", true
	}
	prefix := bare + "/"
	if strings.HasPrefix(path, prefix) {
		return path[len(prefix):], true
	}
	return "", false
}

func (s *Server) requireAdmin(accessKey string) *apiError {
	if s.AdminKey == "" || accessKey != s.AdminKey {
		return errAdminOnly
	}
	return nil
}

func splitBucketKey(rest string) (bucket, key string) {
	bucket, key, _ = strings.Cut(rest, "/")
	return bucket, key
}

type createUserRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleCreateUser(accessKey string, body []byte) (int, []byte, string, *apiError) {
	if err := s.requireAdmin(accessKey); err != nil {
		return 0, nil, "", err
	}
	var reqBody createUserRequest
	if json.Unmarshal(body, &reqBody) != nil || reqBody.Username == "" {
		return 0, nil, "", errMalformedRequest
	}

	userAccessKey, _, err := s.Meta.CreateUser(reqBody.Username)
	if err != nil {
		return 0, nil, "", errUsernameExists
	}
	if !s.Meta.Save() {
		return 0, nil, "", errStoreUnavailable
	}

	u, _ := lookupUserByAccessKey(s.Meta, userAccessKey)
	return 201, jsonMarshal(map[string]any{
		"code":       1,
		"username":   u.Username,
		"access_key": u.AccessKey,
		"created_at": u.CreatedAt,
	}), "", nil
}

func lookupUserByAccessKey(store *meta.Store, accessKey string) (meta.User, bool) {
	for _, u := range store.ListUsers() {
		if u.AccessKey == accessKey {
			return u, true
		}
	}
	return meta.User{}, false
}

func (s *Server) handleListUsers(accessKey string) (int, []byte, string, *apiError) {
	if err := s.requireAdmin(accessKey); err != nil {
		return 0, nil, "", err
	}
	users := s.Meta.ListUsers()
	out := make([]map[string]string, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]string{
			"username":   u.Username,
			"access_key": u.AccessKey,
			"created_at": u.CreatedAt,
		})
	}
	return 200, jsonMarshal(map[string]any{"code": 1, "users": out}), "", nil
}

func (s *Server) handleGetBucket(ownerID, rest string) (int, []byte, string, *apiError) {
	bucket, _ := splitBucketKey(rest)
	if bucket == "" {
		buckets := s.Meta.ListBucketsByOwner(ownerID)
		out := make([]map[string]string, 0, len(buckets))
		for _, b := range buckets {
			out = append(out, map[string]string{"name": b.Name, "created_at": b.CreatedAt})
		}
		return 200, jsonMarshal(map[string]any{"code": 1, "buckets": out}), "", nil
	}

	if !validBucketName(bucket) {
		return 0, nil, "", errInvalidBucketName
	}
	b, ok := s.Meta.GetBucketByNameAndOwner(bucket, ownerID)
	if !ok {
		return 0, nil, "", errNoSuchBucket
	}
	objects := s.Meta.ListObjects(b.ID, "")
	out := make([]map[string]any, 0, len(objects))
	for _, o := range objects {
		out = append(out, map[string]any{
			"key":           o.Key,
			"size":          o.Size,
			"last_modified": o.LastModified,
			"etag":          o.ETag,
		})
	}
	return 200, jsonMarshal(map[string]any{"code": 1, "objects": out}), "", nil
}

func (s *Server) handleCreateBucket(ownerID, bucket string) (int, []byte, string, *apiError) {
	if !validBucketName(bucket) {
		return 0, nil, "", errInvalidBucketName
	}
	id := s.Meta.CreateBucket(bucket, ownerID)
	if id == 0 {
		return 0, nil, "", newAPIError(409, "BucketAlreadyExists", "bucket already exists for this owner")
	}
	if !s.Meta.Save() {
		s.Meta.DeleteBucket(id)
		return 0, nil, "", errStoreUnavailable
	}
	if err := ensureDir(bucketDir(s.DataRoot, ownerID, bucket)); err != nil {
		slog.Warn("bucket directory create failed", "err", err, "bucket", bucket)
	}
	return 200, jsonMarshal(map[string]any{"code": 1}), "", nil
}

func (s *Server) handleCreateObject(ownerID, rest string, body []byte) (int, []byte, string, *apiError) {
	bucket, key := splitBucketKey(rest)
	if !validBucketName(bucket) {
		return 0, nil, "", errInvalidBucketName
	}
	if !validObjectKey(key) {
		return 0, nil, "", errInvalidObjectKey
	}
	if len(body) == 0 {
		return 0, nil, "", errEmptyBody
	}
	b, ok := s.Meta.GetBucketByNameAndOwner(bucket, ownerID)
	if !ok {
		return 0, nil, "", errNoSuchBucket
	}
	if _, exists := s.Meta.GetObject(b.ID, key); exists {
		return 0, nil, "", errObjectAlreadyExist
	}

	path := objectPath(s.DataRoot, ownerID, bucket, key)
	if err := ensureParentDir(path); err != nil {
		return 0, nil, "", errIOFailure
	}
	if err := writeObjectFile(path, body); err != nil {
		return 0, nil, "", errIOFailure
	}

	etag := etagOf(body)
	s.Meta.PutObject(b.ID, key, int64(len(body)), etag, path, "private")
	if !s.Meta.Save() {
		s.Meta.DeleteObject(b.ID, key)
		os.Remove(path)
		return 0, nil, "", errStoreUnavailable
	}
	return 200, jsonMarshal(map[string]any{"code": 1}), "", nil
}

func (s *Server) handleGetObject(ownerID, rest string) (int, []byte, string, *apiError) {
	bucket, key := splitBucketKey(rest)
	if !validBucketName(bucket) {
		return 0, nil, "", errInvalidBucketName
	}
	b, ok := s.Meta.GetBucketByNameAndOwner(bucket, ownerID)
	if !ok {
		return 0, nil, "", errNoSuchBucket
	}
	obj, ok := s.Meta.GetObject(b.ID, key)
	if !ok {
		return 0, nil, "", errNoSuchKey
	}
	if !underDataRoot(s.DataRoot, obj.StoragePath) {
		return 0, nil, "", errIOFailure
	}

	data, err := os.ReadFile(obj.StoragePath)
	if err != nil || int64(len(data)) != obj.Size {
		return 0, nil, "", errIOFailure
	}
	return 200, data, "application/octet-stream", nil
}

func (s *Server) handleDeleteBucket(ownerID, bucket string) (int, []byte, string, *apiError) {
	if !validBucketName(bucket) {
		return 0, nil, "", errInvalidBucketName
	}
	b, ok := s.Meta.GetBucketByNameAndOwner(bucket, ownerID)
	if !ok {
		return 0, nil, "", errNoSuchBucket
	}
	if s.Meta.CountObjects(b.ID) > 0 {
		return 0, nil, "", errBucketNotEmpty
	}
	s.Meta.DeleteBucket(b.ID)
	if !s.Meta.Save() {
		s.Meta.RestoreBucket(b)
		return 0, nil, "", errStoreUnavailable
	}
	if err := os.Remove(bucketDir(s.DataRoot, ownerID, bucket)); err != nil && !os.IsNotExist(err) {
		slog.Warn("bucket directory remove failed", "err", err, "bucket", bucket)
	}
	return 200, jsonMarshal(map[string]any{"code": 1}), "", nil
}

func (s *Server) handleDeleteObject(ownerID, rest string) (int, []byte, string, *apiError) {
	bucket, key := splitBucketKey(rest)
	if !validBucketName(bucket) {
		return 0, nil, "", errInvalidBucketName
	}
	b, ok := s.Meta.GetBucketByNameAndOwner(bucket, ownerID)
	if !ok {
		return 0, nil, "", errNoSuchBucket
	}
	obj, existed := s.Meta.GetObject(b.ID, key)
	if !existed {
		return 0, nil, "", errNoSuchKey
	}
	path, _ := s.Meta.DeleteObject(b.ID, key)
	if !s.Meta.Save() {
		s.Meta.RestoreObject(obj)
		return 0, nil, "", errStoreUnavailable
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("object unlink failed", "err", err, "path", path)
	}
	return 200, jsonMarshal(map[string]any{"code": 1}), "", nil
}
