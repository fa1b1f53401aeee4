package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestLoadEnvParsesAndQuotes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	raw := "# comment\nEXCHANGE_API_KEY=abc123\nexport EXCHANGE_API_SECRET=\"s3cret\"\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("EXCHANGE_API_KEY", "")
	os.Unsetenv("EXCHANGE_API_KEY")
	t.Setenv("EXCHANGE_API_SECRET", "")
	os.Unsetenv("EXCHANGE_API_SECRET")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("EXCHANGE_API_KEY"); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
	if got := os.Getenv("EXCHANGE_API_SECRET"); got != "s3cret" {
		t.Fatalf("expected quotes stripped, got %q", got)
	}
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("EXCHANGE_API_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("EXCHANGE_API_KEY", "from-env")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("EXCHANGE_API_KEY"); got != "from-env" {
		t.Fatalf("existing env var should win, got %q", got)
	}
}
