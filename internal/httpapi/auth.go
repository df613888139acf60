package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks authHeader against the configured admin token. An
// empty token disables the admin surface.
func authorizeBearer(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "admin api disabled",
		}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	// Compare digests so the comparison length does not depend on the input.
	got := sha256.Sum256([]byte(raw))
	want := sha256.Sum256([]byte(adminToken))
	if !hmac.Equal(got[:], want[:]) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "token mismatch",
		}
	}
	return nil
}
