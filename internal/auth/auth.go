package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	CookieName = "session_token"
	issuer     = "slotwall"
	subject    = "admin"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrSecretTooWeak = errors.New("session secret must be at least 16 bytes")
)

// Authorizer answers whether a request may change slot contents. The upload
// path only ever asks this question.
type Authorizer interface {
	Authorized(r *http.Request) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) bool

func (f AuthorizerFunc) Authorized(r *http.Request) bool { return f(r) }

// Password checks the control panel password.
type Password struct {
	hash []byte
}

// NewPassword accepts either a bcrypt hash or a plain password, which is
// hashed once here so the plain text is not kept around.
func NewPassword(plain, bcryptHash string) (*Password, error) {
	if bcryptHash != "" {
		if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
			return nil, fmt.Errorf("admin bcrypt hash: %w", err)
		}
		return &Password{hash: []byte(bcryptHash)}, nil
	}
	if plain == "" {
		return nil, errors.New("admin password is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt: %w", err)
	}
	return &Password{hash: h}, nil
}

// Check always runs the bcrypt comparison, so an empty candidate costs the
// same as a wrong one. An empty candidate never matches.
func (p *Password) Check(candidate string) bool {
	ok := bcrypt.CompareHashAndPassword(p.hash, []byte(candidate)) == nil
	return ok && candidate != ""
}

// Sessions issues and validates the signed session cookie. The cookie holds
// an HS256 JWT; there is no server-side session state.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration, secure bool) (*Sessions, error) {
	if len(secret) < 16 {
		return nil, ErrSecretTooWeak
	}
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		secure: secure,
		now:    time.Now,
	}, nil
}

// Issue sets a fresh session cookie on w.
func (s *Sessions) Issue(w http.ResponseWriter) error {
	token, err := s.token()
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// Clear removes the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Sessions) token() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Validate checks a raw cookie value. Only HS256 is accepted.
func (s *Sessions) Validate(raw string) error {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Authorized implements Authorizer using the session cookie.
func (s *Sessions) Authorized(r *http.Request) bool {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return false
	}
	return s.Validate(c.Value) == nil
}

// Require lets authorized requests through to next and hands everything else
// to deny.
func Require(a Authorizer, deny http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Authorized(r) {
				deny.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
