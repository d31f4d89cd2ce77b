package cfg

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EXCHANGE_API_KEY", "EXCHANGE_API_SECRET", "FORCE_LIVE_TRADING",
		"SYMBOLS", "BASE_URL", "WS_URL", "DATA_PATH", "DRY_RUN",
		"METRICS_PORT", "HTTP_PORT", "REST_TIMEOUT", "PING_INTERVAL",
		"ADVISORY_BASE_URL", "ADVISORY_API_KEY", "CONFIG_FILE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(t *testing.T, s Settings)
	}{
		{
			name: "valid dry-run config with required fields",
			envVars: map[string]string{
				"EXCHANGE_API_KEY":    "test_key",
				"EXCHANGE_API_SECRET": "test_secret",
			},
			validate: func(t *testing.T, s Settings) {
				if s.Key != "test_key" || s.Secret != "test_secret" {
					t.Fatalf("unexpected credentials: %+v", s)
				}
				if len(s.Symbols) != 1 || s.Symbols[0] != "BTCUSDT" {
					t.Errorf("expected default symbols [BTCUSDT], got %v", s.Symbols)
				}
				if s.BaseURL != "https://api.bitunix.com" {
					t.Errorf("unexpected default BaseURL: %s", s.BaseURL)
				}
				if s.Ping != 15*time.Second {
					t.Errorf("expected default ping 15s, got %v", s.Ping)
				}
				if !s.DryRun {
					t.Errorf("expected DryRun default true")
				}
			},
		},
		{
			name: "missing credentials",
			envVars: map[string]string{
				"EXCHANGE_API_KEY": "only_key",
			},
			wantErr: true,
		},
		{
			name: "live trading requires FORCE_LIVE_TRADING",
			envVars: map[string]string{
				"EXCHANGE_API_KEY":    "k",
				"EXCHANGE_API_SECRET": "s",
				"DRY_RUN":             "false",
			},
			wantErr: true,
		},
		{
			name: "live trading allowed with FORCE_LIVE_TRADING",
			envVars: map[string]string{
				"EXCHANGE_API_KEY":    "k",
				"EXCHANGE_API_SECRET": "s",
				"DRY_RUN":             "false",
				"FORCE_LIVE_TRADING":  "true",
			},
			validate: func(t *testing.T, s Settings) {
				if s.DryRun {
					t.Errorf("expected DryRun false")
				}
			},
		},
		{
			name: "custom symbols",
			envVars: map[string]string{
				"EXCHANGE_API_KEY":    "k",
				"EXCHANGE_API_SECRET": "s",
				"SYMBOLS":             "BTCUSDT,ETHUSDT",
			},
			validate: func(t *testing.T, s Settings) {
				if len(s.Symbols) != 2 {
					t.Fatalf("expected 2 symbols, got %v", s.Symbols)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer clearEnv(t)

			s, err := loadFromEnv()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, s)
			}
		})
	}
}

func TestMetricsPortValidation(t *testing.T) {
	clearEnv(t)
	os.Setenv("EXCHANGE_API_KEY", "k")
	os.Setenv("EXCHANGE_API_SECRET", "s")
	os.Setenv("METRICS_PORT", "80")
	defer clearEnv(t)

	if _, err := loadFromEnv(); err == nil {
		t.Fatalf("expected error for out-of-range metrics port")
	}
}
