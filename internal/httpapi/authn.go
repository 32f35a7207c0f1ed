package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

const (
	authHeader          = "Authorization"
	legacyAuthHeader    = "x-zumo-auth"
	resourceTokenHeader = "ResourceToken"
	bearer              = "Bearer "
)

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// accessToken reads the caller's identity provider token. A bearer Authorization
// header wins over the legacy x-zumo-auth header.
func accessToken(r *http.Request) string {
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		return token
	}
	return strings.TrimSpace(r.Header.Get(legacyAuthHeader))
}
