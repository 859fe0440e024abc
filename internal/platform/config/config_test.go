package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testHashKey = "0123456789abcdef0123456789abcdef"

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"POPUPS_COOKIE_HASH_KEY": testHashKey,
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.PopupsCollection != "popups" || cfg.Firestore.LeadsCollection != "popup_leads" {
		t.Errorf("unexpected collections: %+v", cfg.Firestore)
	}
	if cfg.PubSub.LeadsTopic != "popup-leads" {
		t.Errorf("unexpected leads topic: %s", cfg.PubSub.LeadsTopic)
	}
	if cfg.Popups.PageViewTTL != 30*time.Minute {
		t.Errorf("unexpected page view ttl: %s", cfg.Popups.PageViewTTL)
	}
	if cfg.Popups.SequencerPoll != 0 {
		t.Errorf("expected sequencer polling disabled by default, got %s", cfg.Popups.SequencerPoll)
	}
	if len(cfg.Popups.Locales) != 2 || cfg.Popups.Locales[0] != "ja" {
		t.Errorf("unexpected locales: %v", cfg.Popups.Locales)
	}
	if !cfg.Cookies.Secure {
		t.Errorf("expected secure cookies by default")
	}
	if cfg.Cookies.DurableMaxAge != 400*24*time.Hour {
		t.Errorf("unexpected durable max age: %s", cfg.Cookies.DurableMaxAge)
	}
	if !cfg.Security.Local() {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("expected redis disabled, got %s", cfg.Redis.Addr)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"POPUPS_SERVER_PORT":              "9090",
		"POPUPS_SERVER_READ_TIMEOUT":      "20s",
		"POPUPS_FIRESTORE_PROJECT_ID":     "hf-prod",
		"POPUPS_STORAGE_DOWNLOADS_BUCKET": "downloads-prod",
		"POPUPS_COOKIE_HASH_KEY":          "sm://cookies/hash",
		"POPUPS_COOKIE_BLOCK_KEY":         "secret://cookies/block",
		"POPUPS_COOKIE_SECURE":            "false",
		"POPUPS_REDIS_ADDR":               "localhost:6379",
		"POPUPS_REDIS_PASSWORD":           "secret://redis/password",
		"POPUPS_SEQUENCER_POLL":           "1s",
		"POPUPS_LOCALES":                  "en-US, fr",
		"POPUPS_SECURITY_ENVIRONMENT":     "PROD",
	}
	secrets := map[string]string{
		"secret://cookies/hash":   testHashKey,
		"secret://cookies/block":  "0123456789abcdef",
		"secret://redis/password": "hunter2",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		value, ok := secrets[ref]
		if !ok {
			return "", errors.New("not found")
		}
		return value, nil
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.PubSub.ProjectID != "hf-prod" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Cookies.HashKey != testHashKey || cfg.Cookies.BlockKey != "0123456789abcdef" {
		t.Errorf("expected cookie keys resolved, got %+v", cfg.Cookies)
	}
	if cfg.Cookies.Secure {
		t.Errorf("expected insecure cookies override")
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("expected redis password resolved, got %q", cfg.Redis.Password)
	}
	if cfg.Popups.SequencerPoll != time.Second {
		t.Errorf("unexpected sequencer poll: %s", cfg.Popups.SequencerPoll)
	}
	if len(cfg.Popups.Locales) != 2 || cfg.Popups.Locales[0] != "en-US" || cfg.Popups.Locales[1] != "fr" {
		t.Errorf("unexpected locales: %v", cfg.Popups.Locales)
	}
	if cfg.Security.Environment != "prod" || cfg.Security.Local() {
		t.Errorf("unexpected environment: %s", cfg.Security.Environment)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"POPUPS_COOKIE_HASH_KEY":      "short",
		"POPUPS_COOKIE_BLOCK_KEY":     "odd-length",
		"POPUPS_SECURITY_ENVIRONMENT": "prod",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{"Cookies.HashKey": false, "Cookies.BlockKey": false, "Firestore.ProjectID": false}
	for _, field := range validation.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, validation.Fields())
		}
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := map[string]string{
		"POPUPS_COOKIE_HASH_KEY": "sm://cookies/hash",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://cookies/hash" {
		t.Errorf("expected normalized ref, got %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver not configured cause, got %v", err)
	}
}

func TestLoadRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"POPUPS_COOKIE_HASH_KEY": testHashKey,
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Cookies.HashKey", "Cookies.BlockKey", "Cookies.BlockKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	names := missing.Names()
	if len(names) != 1 || names[0] != "Cookies.BlockKey" {
		t.Fatalf("unexpected missing secrets: %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "Cookies.BlockKey" {
		t.Fatalf("expected redacted name, got %v", redacted)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	contents := "# local overrides\nexport POPUPS_COOKIE_HASH_KEY=\"" + testHashKey + "\"\nPOPUPS_PAGEVIEW_TTL=5m\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(),
		WithEnvMap(map[string]string{"POPUPS_PAGEVIEW_TTL": "10m"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Cookies.HashKey != testHashKey {
		t.Errorf("expected hash key from .env, got %q", cfg.Cookies.HashKey)
	}
	if cfg.Popups.PageViewTTL != 10*time.Minute {
		t.Errorf("expected env map to win over .env, got %s", cfg.Popups.PageViewTTL)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["POPUPS_PAGEVIEW_TTL"] != "5m" {
		t.Errorf("unexpected environment values: %v", values)
	}
}
