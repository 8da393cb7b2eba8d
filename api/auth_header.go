package api

import (
	"bytes"
	"errors"
	"net/http"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

var bearerPrefix = []byte("Bearer ")

func bearerTokenFromHeader(header http.Header) ([]byte, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return nil, errMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

// bearerTokenFromString extracts the JWT from an Authorization header value
// without copying it. The returned bytes alias the header string and must be
// treated as read-only.
func bearerTokenFromString(raw string) ([]byte, error) {
	start := 0
	end := len(raw)
	for start < end && raw[start] == ' ' {
		start++
	}
	for end > start && raw[end-1] == ' ' {
		end--
	}
	if start >= end {
		return nil, errMissingAuthorization
	}
	token := readOnlyBytes(raw[start:end])
	if len(token) <= len(bearerPrefix) || !bytes.HasPrefix(token, bearerPrefix) {
		return nil, errBadAuthorization
	}
	token = token[len(bearerPrefix):]
	if bytes.Count(token, []byte{'.'}) != 2 {
		return nil, errBadAuthorization
	}
	return token, nil
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
