// ABOUTME: Authentication middleware for bearer-ticket protected API requests.
// ABOUTME: Parses Bearer tokens, rejects missing ones, and stores the ticket in the request context.

package auth

import (
	"context"
	"net/http"
	"strings"

	apierrors "github.com/2389/plughost/internal/errors"
)

type contextKey string

const ticketContextKey contextKey = "ticket"

// Messages returned for rejected Authorization headers.
const (
	MsgTokenRequired = "Authorization token required"
	MsgTokenInvalid  = "Invalid authorization token"
)

// Middleware stores any bearer ticket in the context without enforcing it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ticket, err := ExtractTicket(r.Header.Get("Authorization")); err == nil {
			r = r.WithContext(WithTicket(r.Context(), ticket))
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests without a usable bearer ticket with 401.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ticket, err := ExtractTicket(r.Header.Get("Authorization"))
		if err != nil {
			apierrors.Write(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTicket(r.Context(), ticket)))
	})
}

// WithTicket returns a context carrying ticket.
func WithTicket(ctx context.Context, ticket string) context.Context {
	return context.WithValue(ctx, ticketContextKey, ticket)
}

// TicketFromContext returns the bearer ticket, or "" if the request had none.
func TicketFromContext(ctx context.Context) string {
	ticket, _ := ctx.Value(ticketContextKey).(string)
	return ticket
}

// ExtractTicket parses an Authorization header value.
// A missing header or non-Bearer scheme and an empty token are both KindAuthMissing.
func ExtractTicket(authHeader string) (string, error) {
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", apierrors.New(apierrors.KindAuthMissing, MsgTokenRequired)
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", apierrors.New(apierrors.KindAuthMissing, MsgTokenInvalid)
	}
	return token, nil
}
