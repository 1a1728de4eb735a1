// Package auth turns a bearer token into the principal that picks a push
// room and gates the HTTP API. Tokens are issued elsewhere; Sign exists for
// tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin   = "admin"
	RoleStaff   = "staff"
	RoleCashier = "cashier"
	RoleKitchen = "kitchen"
	RoleWaiter  = "waiter"
	RoleGuest   = "guest"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Principal struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// IsStaff reports whether the role belongs in the staff room.
func (p Principal) IsStaff() bool {
	switch strings.ToLower(p.Role) {
	case RoleAdmin, RoleStaff, RoleCashier, RoleKitchen, RoleWaiter:
		return true
	}
	return false
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenMalformed
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return Principal{}, fmt.Errorf("%w: sub and role are required", ErrInvalidToken)
	}
	return Principal{UserID: claims.Subject, Role: strings.ToLower(claims.Role)}, nil
}

func (v *Verifier) Sign(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest reads the Authorization header, falling back to the
// token query parameter used by push clients.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
