package auth

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCredentials_InlineToken(t *testing.T) {
	creds, err := LoadCredentials("abc123", "/does/not/matter")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "abc123" {
		t.Errorf("Token = %q, want %q", creds.Token, "abc123")
	}
}

func TestLoadCredentials_TokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("  file-token\n"), 0600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	creds, err := LoadCredentials("", path)
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "file-token" {
		t.Errorf("Token = %q, want %q", creds.Token, "file-token")
	}
}

func TestLoadCredentials_Errors(t *testing.T) {
	if _, err := LoadCredentials("", ""); !errors.Is(err, ErrNoToken) {
		t.Errorf("error = %v, want ErrNoToken", err)
	}

	if _, err := LoadCredentials("", "/nonexistent/token"); err == nil {
		t.Error("expected error for missing token file")
	}

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, []byte("\n"), 0600)
	_, err := LoadCredentials("", empty)
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("error = %v, want empty token error", err)
	}
}

func TestCredentials_Headers(t *testing.T) {
	creds := &Credentials{Token: "tok"}

	h := creds.Headers()
	if got := h.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok")
	}

	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	creds.SignRequest(req)
	if got := req.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("request Authorization = %q", got)
	}
}

func TestCredentials_StringRedacts(t *testing.T) {
	creds := &Credentials{Token: "supersecrettoken"}
	s := creds.String()
	if strings.Contains(s, "supersecret") {
		t.Errorf("String() leaks token: %q", s)
	}
	if !strings.HasSuffix(s, "oken") {
		t.Errorf("String() = %q, want last four characters", s)
	}
}
