package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Callback is the payload of the auth deep link the identity flow redirects
// to: <scheme>://auth?token=...&userId=...&email=...&name=...
type Callback struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`

	// Guest is never set by a deep link; it marks saved local-only sessions.
	Guest bool `json:"guest,omitempty"`
}

var ErrInvalidCallback = errors.New("invalid auth callback")

// ParseCallback parses a deep link. scheme must match the configured callback
// scheme; token and userId are required.
func ParseCallback(raw, scheme string) (Callback, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return Callback{}, fmt.Errorf("%w: scheme %q, want %q", ErrInvalidCallback, u.Scheme, scheme)
	}
	// "scheme://auth?..." puts "auth" in the host; "scheme:/auth" in the path.
	if target := strings.Trim(u.Host+u.Path, "/"); target != "auth" {
		return Callback{}, fmt.Errorf("%w: unexpected target %q", ErrInvalidCallback, target)
	}

	q := u.Query()
	cb := Callback{
		Token:  q.Get("token"),
		UserID: q.Get("userId"),
		Email:  q.Get("email"),
		Name:   q.Get("name"),
	}
	if cb.Token == "" {
		return Callback{}, fmt.Errorf("%w: missing token", ErrInvalidCallback)
	}
	if cb.UserID == "" {
		return Callback{}, fmt.Errorf("%w: missing userId", ErrInvalidCallback)
	}
	return cb, nil
}
