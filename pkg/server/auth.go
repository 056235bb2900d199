package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth issues and validates HS256 bearer tokens for the API.
type Auth struct {
	secret []byte
	expiry time.Duration
}

// NewAuth returns an Auth signing with secret. Tokens expire after expiry.
func NewAuth(secret string, expiry time.Duration) (*Auth, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 bytes")
	}
	if expiry <= 0 {
		return nil, errors.New("token expiry must be positive")
	}
	return &Auth{secret: []byte(secret), expiry: expiry}, nil
}

// IssueToken returns a signed token for subject.
func (a *Auth) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken parses a token and returns its subject.
func (a *Auth) ValidateToken(tokenStr string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("missing sub claim")
	}
	return claims.Subject, nil
}

// middleware guards /api routes. Browsers cannot set headers on websocket
// requests, so the token may also come from the "token" query parameter.
func (a *Auth) middleware(s *Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.errorResponse(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		sub, err := a.ValidateToken(token)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, err)
			return
		}
		s.log.Debug("Authenticated request", "sub", sub, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
