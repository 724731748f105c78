package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// PrincipalExtractor derives the authenticated principal id from a request.
// Extraction is best-effort: a missing or invalid credential yields an
// empty principal and the caller is treated as anonymous, never rejected.
// Enforcing authentication is the application's job, not the limiter's.
type PrincipalExtractor interface {
	ExtractPrincipal(r *http.Request) string
}

// AnonymousPrincipals treats every caller as anonymous. Used when no JWT
// secret is configured.
type AnonymousPrincipals struct{}

// ExtractPrincipal always returns the empty principal.
func (AnonymousPrincipals) ExtractPrincipal(r *http.Request) string {
	return ""
}

// JWTPrincipals extracts the subject claim from an HMAC-signed bearer
// token. Tokens that fail validation are logged at debug level and treated
// as anonymous so that an expired token degrades the caller to per-address
// limiting instead of blocking them outright.
type JWTPrincipals struct {
	secret []byte
}

// NewJWTPrincipals creates a JWT principal extractor with the given HMAC
// secret.
func NewJWTPrincipals(secret string) *JWTPrincipals {
	return &JWTPrincipals{secret: []byte(secret)}
}

// ExtractPrincipal parses the Authorization bearer token and returns its
// subject claim, or empty when the header is absent or the token invalid.
func (j *JWTPrincipals) ExtractPrincipal(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		slog.Debug("bearer token rejected, treating caller as anonymous",
			slog.String("error", errString(err)),
		)
		return ""
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return ""
	}
	return sub
}

func errString(err error) string {
	if err == nil {
		return "token invalid"
	}
	return err.Error()
}
