package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.Notifications.TriggerDelay != time.Second {
		t.Fatalf("unexpected trigger delay %s", cfg.Notifications.TriggerDelay)
	}
	if cfg.Throttle.Retention != 2*time.Hour || cfg.Throttle.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected throttle config %+v", cfg.Throttle)
	}
	if cfg.Alerts.Location == nil || cfg.Alerts.Location.String() != defaultAlertsTimezone {
		t.Fatalf("unexpected alerts location %v", cfg.Alerts.Location)
	}
	if cfg.ReservationsCollection() != "reservations" || cfg.SessionsCollection() != "sessions" {
		t.Fatalf("unexpected debug collections %s %s", cfg.ReservationsCollection(), cfg.SessionsCollection())
	}
}

func TestReleaseEnvironmentUsesReleaseCollections(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("environment", "Release")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReservationsCollection() != "reservations_release" {
		t.Fatalf("unexpected reservations collection %s", cfg.ReservationsCollection())
	}
	if cfg.SessionsCollection() != "sessions_release" {
		t.Fatalf("unexpected sessions collection %s", cfg.SessionsCollection())
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("KOENJI_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("KOENJI_QUEUE_SHARDS", "8")
	t.Setenv("KOENJI_REDIS_ADDRESS", "")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.SigningSecret)
	}
	if cfg.Queue.Shards != 8 {
		t.Fatalf("expected 8 shards, got %d", cfg.Queue.Shards)
	}
}

func TestLoadDotEnvPopulatesEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("KOENJI_AUTH_ISSUER=dotenv-issuer\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("KOENJI_AUTH_ISSUER", "")
	os.Unsetenv("KOENJI_AUTH_ISSUER")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}

	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Issuer != "dotenv-issuer" {
		t.Fatalf("expected issuer from .env, got %q", cfg.Issuer)
	}
}

func TestLoadDotEnvReportsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("KOENJI-BROKEN=1\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	err := LoadDotEnv(path)
	if err == nil {
		t.Fatalf("expected malformed .env to be reported")
	}
	if !strings.Contains(err.Error(), path) {
		t.Fatalf("expected error to name the file, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  map[string]any
		wantErr string
	}{
		{name: "missing secret", mutate: map[string]any{"auth.signing_secret": ""}, wantErr: "auth.signing_secret"},
		{name: "bad environment", mutate: map[string]any{"environment": "staging"}, wantErr: "environment"},
		{name: "bad log format", mutate: map[string]any{"log.format": "xml"}, wantErr: "log.format"},
		{name: "bad timezone", mutate: map[string]any{"alerts.timezone": "Mars/Olympus"}, wantErr: "alerts.timezone"},
		{name: "empty database", mutate: map[string]any{"database.path": " "}, wantErr: "database.path"},
		{name: "zero shards", mutate: map[string]any{"queue.shards": 0}, wantErr: "queue.shards"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			for key, value := range testCase.mutate {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}
