package s3auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signQuery(t *testing.T, method, contentMD5, contentType, path, secret string, expires int64) string {
	t.Helper()
	expiresStr := strconv.FormatInt(expires, 10)
	stringToSign := strings.Join([]string{method, contentMD5, contentType, expiresStr, path}, "\n")
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(stringToSign))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	v := url.Values{}
	v.Set("AWSAccessKeyId", "AKADMIN")
	v.Set("Signature", sig)
	v.Set("Expires", expiresStr)
	return v.Encode()
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1000, 0)
	query := signQuery(t, "GET", "", "", "/getBucket/mybucket", "SKADMIN", 2000)

	req := &Request{Method: "GET", Path: "/getBucket/mybucket"}
	lookup := func(string) (string, bool) { return "", false }

	key, ok := Verify(req, query, lookup, "AKADMIN", "SKADMIN", now)
	require.True(t, ok)
	require.Equal(t, "AKADMIN", key)
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	now := time.Unix(1000, 0)
	v := url.Values{}
	v.Set("AWSAccessKeyId", "AKADMIN")
	v.Set("Signature", "not-the-real-signature")
	v.Set("Expires", "2000")

	req := &Request{Method: "GET", Path: "/getBucket/mybucket"}
	lookup := func(string) (string, bool) { return "", false }

	_, ok := Verify(req, v.Encode(), lookup, "AKADMIN", "SKADMIN", now)
	require.False(t, ok)
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	query := signQuery(t, "GET", "", "", "/getBucket/mybucket", "SKADMIN", 500)

	req := &Request{Method: "GET", Path: "/getBucket/mybucket"}
	lookup := func(string) (string, bool) { return "", false }

	_, ok := Verify(req, query, lookup, "AKADMIN", "SKADMIN", now)
	require.False(t, ok)
}

func TestVerifyUsesStoreSecretBeforeAdminFallback(t *testing.T) {
	now := time.Unix(1000, 0)
	query := signQuery(t, "GET", "", "", "/getBucket/mybucket", "user-secret", 2000)
	// Override access key to a non-admin one, re-sign under that secret.
	v, _ := url.ParseQuery(query)
	v.Set("AWSAccessKeyId", "user-key")

	req := &Request{Method: "GET", Path: "/getBucket/mybucket"}
	lookup := func(ak string) (string, bool) {
		if ak == "user-key" {
			return "user-secret", true
		}
		return "", false
	}

	key, ok := Verify(req, v.Encode(), lookup, "AKADMIN", "SKADMIN", now)
	require.True(t, ok)
	require.Equal(t, "user-key", key)
}

func TestVerifyRejectsUnknownAccessKey(t *testing.T) {
	now := time.Unix(1000, 0)
	query := signQuery(t, "GET", "", "", "/getBucket/mybucket", "whatever", 2000)
	v, _ := url.ParseQuery(query)
	v.Set("AWSAccessKeyId", "nobody")

	req := &Request{Method: "GET", Path: "/getBucket/mybucket"}
	lookup := func(string) (string, bool) { return "", false }

	_, ok := Verify(req, v.Encode(), lookup, "AKADMIN", "SKADMIN", now)
	require.False(t, ok)
}

func TestVerifyRejectsMissingParams(t *testing.T) {
	now := time.Unix(1000, 0)
	req := &Request{Method: "GET", Path: "/getBucket/mybucket"}
	lookup := func(string) (string, bool) { return "", false }

	_, ok := Verify(req, "AWSAccessKeyId=AKADMIN", lookup, "AKADMIN", "SKADMIN", now)
	require.False(t, ok)
}
