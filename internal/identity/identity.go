// Package identity provides anonymous viewer identity and agent tagging for requests.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	ViewerCookieName    = "classwatch_viewer_id"
	StudentHeaderName   = "X-Classwatch-Student-ID"
	UnknownViewerID     = "anonymous"
	viewerCookieMaxAge  = 30 * 24 * time.Hour
	viewerIDPrefix      = "viewer_"
	viewerIDRandomBytes = 16
)

type contextKey int

const (
	viewerIDKey contextKey = iota
	studentIDKey
)

var (
	viewerIDPattern  = regexp.MustCompile(`^viewer_[a-f0-9]{32}$`)
	studentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// ViewerIDFromContext returns the dashboard viewer ID stored by Middleware.
func ViewerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewerIDKey).(string); ok {
		return v
	}
	return UnknownViewerID
}

// StudentIDFromContext returns the agent's self-declared student ID, if any.
func StudentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(studentIDKey).(string); ok {
		return v
	}
	return ""
}

// WithViewerID returns a copy of ctx carrying id.
func WithViewerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, viewerIDKey, id)
}

func generateViewerID() (string, error) {
	buf := make([]byte, viewerIDRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate viewer id: %w", err)
	}
	return viewerIDPrefix + hex.EncodeToString(buf), nil
}

func setViewerCookie(w http.ResponseWriter, id string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ViewerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(viewerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(viewerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

func getOrCreateViewerID(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	if c, err := r.Cookie(ViewerCookieName); err == nil && viewerIDPattern.MatchString(c.Value) {
		setViewerCookie(w, c.Value, secure)
		return c.Value, nil
	}

	id, err := generateViewerID()
	if err != nil {
		return "", err
	}
	setViewerCookie(w, id, secure)
	return id, nil
}

func studentIDFromRequest(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(StudentHeaderName))
	if !studentIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware tags requests with a stable anonymous viewer ID (cookie based)
// and, for agent traffic, the student ID declared in StudentHeaderName.
func Middleware(secureCookies bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if sid := studentIDFromRequest(r); sid != "" {
				ctx = context.WithValue(ctx, studentIDKey, sid)
			} else {
				viewerID, err := getOrCreateViewerID(w, r, secureCookies)
				if err != nil {
					http.Error(w, `{"error":"failed to establish viewer identity"}`, http.StatusInternalServerError)
					return
				}
				ctx = context.WithValue(ctx, viewerIDKey, viewerID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
