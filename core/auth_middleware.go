package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/livepulse/talk/pkg/router"
)

const AuthCookieName = "auth_token"

type authSessionKey struct{}

func contextWithAuthSession(ctx context.Context, session AuthSession) context.Context {
	return context.WithValue(ctx, authSessionKey{}, session)
}

func authSessionFromContext(ctx context.Context) (AuthSession, bool) {
	session, ok := ctx.Value(authSessionKey{}).(AuthSession)
	return session, ok
}

// AuthSessionFromRequest extracts the auth session from the request context.
// It must only be called in handlers protected by JWTMiddleware; it panics
// when the session is missing because that is always a routing mistake.
func AuthSessionFromRequest(r *http.Request) AuthSession {
	session, ok := authSessionFromContext(r.Context())
	if !ok {
		panic("auth session not found in request context: handler is not behind JWTMiddleware")
	}
	return session
}

func AuthCookie(session *AuthSession, httpOnly bool, path string) *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    session.Token,
		Expires:  session.ExpiresAt,
		HttpOnly: httpOnly,
		Path:     path,
	}
}

// tokenFromRequest pulls the token from the Authorization header or the
// auth cookie. Browsers connecting the websocket cannot set headers, so the
// cookie path is what the UI actually uses.
func tokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if ok && token != "" {
			return token, true
		}
	}
	cookie, err := r.Cookie(AuthCookieName)
	if err != nil || cookie == nil || cookie.Valid() != nil {
		return "", false
	}
	return cookie.Value, true
}

// JWTMiddleware validates the request's token and attaches the auth session
// to the request context for subsequent handlers.
func JWTMiddleware(a AuthStore) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return router.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			ctx := r.Context()

			token, ok := tokenFromRequest(r)
			if !ok {
				return authErr
			}

			session, err := a.Session(ctx, token)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					return authErr
				}
				return err
			}

			next.ServeHTTP(w, r.WithContext(contextWithAuthSession(ctx, *session)))
			return nil
		})
	}
}
