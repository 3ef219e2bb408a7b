package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudmeetx/meetrelay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier checks a client credential and resolves the user it belongs to.
// Modes without a user notion (api_key) return an empty user id.
type Verifier interface {
	Verify(credential string) (userID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return allowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type allowAll struct{}

func (allowAll) Verify(string) (string, error) { return "", nil }

// CredentialFromRequest extracts the caller's credential from an HTTP request.
// A Bearer Authorization header wins; browser WebSocket clients cannot set
// headers, so the token/apiKey query parameters are accepted as a fallback.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, cred, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || cred == "" {
			return "", ErrInvalidCredentials
		}
		return cred, nil
	}

	q := r.URL.Query()
	switch mode {
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingCredentials
}
