package conn_test

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/easelworks/easel/conn"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	auth := conn.NewAPIKeyAuthenticator()
	auth.SetKey("user-1", "sk-alpha")
	auth.SetKey("user-2", "sk-beta")

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.Header.Set("Authorization", "Bearer sk-alpha")
		owner, err := auth.Authenticate(r)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if owner != "user-1" {
			t.Errorf("owner = %q, want %q", owner, "user-1")
		}
	})

	t.Run("query token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=sk-beta", nil)
		owner, err := auth.Authenticate(r)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if owner != "user-2" {
			t.Errorf("owner = %q, want %q", owner, "user-2")
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.Header.Set("Authorization", "Bearer sk-wrong")
		if _, err := auth.Authenticate(r); !errors.Is(err, conn.ErrUnauthorized) {
			t.Errorf("Authenticate() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/jobs", nil)
		if _, err := auth.Authenticate(r); !errors.Is(err, conn.ErrUnauthorized) {
			t.Errorf("Authenticate() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("revoked key", func(t *testing.T) {
		auth.RevokeKey("sk-beta")
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.Header.Set("Authorization", "Bearer sk-beta")
		if _, err := auth.Authenticate(r); !errors.Is(err, conn.ErrUnauthorized) {
			t.Errorf("Authenticate() error = %v, want ErrUnauthorized", err)
		}
	})
}
