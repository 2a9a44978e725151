package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

var ErrMissingSessionCookieName = errors.New("session validator: cookie name required")

// SessionValidatorConfig describes how refresh sessions are carried in cookies.
type SessionValidatorConfig struct {
	Refresh    *TokenIssuer
	CookieName string
	// Secure marks the cookie Secure and SameSite=None for cross-site frontends.
	Secure bool
}

// SessionValidator issues, reads and clears the http-only refresh cookie.
type SessionValidator struct {
	refresh    *TokenIssuer
	cookieName string
	secure     bool
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Refresh == nil {
		return nil, ErrMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	return &SessionValidator{
		refresh:    cfg.Refresh,
		cookieName: cookieName,
		secure:     cfg.Secure,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest extracts the refresh cookie from the request and returns its subject.
func (v *SessionValidator) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return "", ErrMissingToken
	}
	return v.refresh.ValidateToken(cookie.Value)
}

// NewCookie wraps a refresh token in the session cookie.
func (v *SessionValidator) NewCookie(token string, expiresAt time.Time) *http.Cookie {
	return v.cookie(token, expiresAt, int(time.Until(expiresAt).Seconds()))
}

// ClearCookie returns a cookie that removes the session from the browser.
func (v *SessionValidator) ClearCookie() *http.Cookie {
	return v.cookie("", time.Unix(0, 0), -1)
}

func (v *SessionValidator) cookie(value string, expiresAt time.Time, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if v.secure {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     v.cookieName,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   v.secure,
		SameSite: sameSite,
	}
}
