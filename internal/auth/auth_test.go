package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudmeetx/meetrelay/internal/config"
)

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "k-123"}

	if _, err := v.Verify("k-123"); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if _, err := v.Verify("k-wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong key: err=%v", err)
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty key: err=%v", err)
	}
	if _, err := (APIKeyVerifier{}).Verify("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("verifier with no expected key must reject everything")
	}
}

func TestJWTVerifier(t *testing.T) {
	const secret = "test-secret"
	v := NewJWTVerifier(secret)

	token, err := Sign(secret, "user-42", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("userID=%q, want user-42", userID)
	}

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTVerifier("other-secret")
		if _, err := other.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := Sign(secret, "user-42", -time.Minute)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := v.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})
}

func TestCredentialFromRequest(t *testing.T) {
	newReq := func(header, query string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/meetings"+query, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	t.Run("bearer header", func(t *testing.T) {
		cred, err := CredentialFromRequest(config.AuthModeJWT, newReq("Bearer tok-1", ""))
		if err != nil || cred != "tok-1" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("bearer case insensitive", func(t *testing.T) {
		cred, err := CredentialFromRequest(config.AuthModeJWT, newReq("bearer tok-1", ""))
		if err != nil || cred != "tok-1" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		if _, err := CredentialFromRequest(config.AuthModeJWT, newReq("Basic abc", "")); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("jwt query fallback", func(t *testing.T) {
		cred, err := CredentialFromRequest(config.AuthModeJWT, newReq("", "?token=tok-q"))
		if err != nil || cred != "tok-q" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("api key query fallback", func(t *testing.T) {
		cred, err := CredentialFromRequest(config.AuthModeAPIKey, newReq("", "?apiKey=k-q"))
		if err != nil || cred != "k-q" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := CredentialFromRequest(config.AuthModeJWT, newReq("", "")); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want ErrMissingCredentials", err)
		}
	})

	t.Run("mode none", func(t *testing.T) {
		cred, err := CredentialFromRequest(config.AuthModeNone, newReq("", ""))
		if err != nil || cred != "" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})
}

func TestRequireMiddleware(t *testing.T) {
	const secret = "mw-secret"
	v := NewJWTVerifier(secret)

	var gotUserID string
	handler := Require(config.AuthModeJWT, v, func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := Sign(secret, "user-7", time.Hour)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d, want 200", rec.Code)
		}
		if gotUserID != "user-7" {
			t.Fatalf("userID=%q, want user-7", gotUserID)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d, want 401", rec.Code)
		}
	})

	t.Run("mode none passes through", func(t *testing.T) {
		open := Require(config.AuthModeNone, nil, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		rec := httptest.NewRecorder()
		open(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d, want 200", rec.Code)
		}
	})
}
