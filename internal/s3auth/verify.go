// Package s3auth implements presigned-query AWS Signature Version 2
// verification: the query-string variant that carries AWSAccessKeyId,
// Signature and Expires entirely in the URL, with no Authorization
// header involved.
package s3auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"silo3/internal/httpio"
)

// SecretLookup resolves an access key to its secret. It returns ok=false
// for an unknown access key.
type SecretLookup func(accessKey string) (secret string, ok bool)

// Request is the subset of an incoming request the verifier needs.
type Request struct {
	Method      string
	ContentMD5  string
	ContentType string
	Path        string
}

// Verify checks a presigned-query request against lookup, returning the
// resolved access key on success. adminKey/adminSecret are the
// configured administrator credentials, used as a fallback when lookup
// does not recognize the access key (so the administrator works even
// before any user record exists).
func Verify(req *Request, query string, lookup SecretLookup, adminKey, adminSecret string, now time.Time) (accessKey string, ok bool) {
	var qreq httpio.Request
	qreq.Query = query

	accessKey = qreq.QueryParam("AWSAccessKeyId")
	signature := qreq.QueryParam("Signature")
	expiresStr := qreq.QueryParam("Expires")
	if accessKey == "" || signature == "" || expiresStr == "" {
		return "", false
	}

	secret, found := lookup(accessKey)
	if !found {
		if adminKey != "" && accessKey == adminKey {
			secret = adminSecret
		} else {
			return "", false
		}
	}

	expires, err := strconv.ParseInt(strings.TrimSpace(expiresStr), 10, 64)
	if err != nil {
		return "", false
	}
	if now.Unix() > expires {
		return "", false
	}

	stringToSign := strings.Join([]string{
		req.Method,
		req.ContentMD5,
		req.ContentType,
		expiresStr,
		req.Path,
	}, "\n")

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(stringToSign))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", false
	}
	return accessKey, true
}
