package security

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth maps bearer tokens to user ids. When disabled every request is
// attributed to DefaultUser.
type BearerAuth struct {
	Enabled     bool
	Tokens      map[string]string
	DefaultUser string
}

// Authenticate returns the user the request's bearer token belongs to.
func (a BearerAuth) Authenticate(r *http.Request) (string, bool) {
	if !a.Enabled {
		return a.DefaultUser, true
	}
	head := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(head, prefix) {
		return "", false
	}
	candidate := strings.TrimSpace(strings.TrimPrefix(head, prefix))
	if candidate == "" {
		return "", false
	}
	userID, matched := "", false
	// Compare against every token so timing does not reveal which one matched.
	for token, user := range a.Tokens {
		if len(candidate) == len(token) && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			userID, matched = user, true
		}
	}
	return userID, matched
}

func (a BearerAuth) Authorize(r *http.Request) bool {
	_, ok := a.Authenticate(r)
	return ok
}

type userKey struct{}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
