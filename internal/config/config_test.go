package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoEnv(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("expected default HTTP addr, got %q", cfg.HTTPAddr)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Fatalf("expected default poll interval, got %v", cfg.PollInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected default log level info, got %v", cfg.LogLevel)
	}
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("CAMCTL_HTTP_ADDR", "0.0.0.0:9000")
	t.Setenv("CAMCTL_POLL_INTERVAL", "1s")
	t.Setenv("CAMCTL_MIDI_BAUD", "9600")
	t.Setenv("CAMCTL_LOG_LEVEL", "debug")

	cfg := Load()
	if cfg.HTTPAddr != "0.0.0.0:9000" {
		t.Fatalf("expected the env override, got %q", cfg.HTTPAddr)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("expected a 1s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.MIDIBaud != 9600 {
		t.Fatalf("expected baud 9600, got %d", cfg.MIDIBaud)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.LogLevel)
	}
}

func TestLoadIgnoresBlankEnvValues(t *testing.T) {
	t.Setenv("CAMCTL_HTTP_ADDR", "   ")
	cfg := Load()
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("expected a blank override to fall back to the default, got %q", cfg.HTTPAddr)
	}
}

func TestLoadFallsBackOnInvalidDuration(t *testing.T) {
	t.Setenv("CAMCTL_POLL_INTERVAL", "not-a-duration")
	cfg := Load()
	if cfg.PollInterval != defaultPollInterval {
		t.Fatalf("expected an invalid duration to fall back to the default, got %v", cfg.PollInterval)
	}
}

func TestLoadRejectsNonPositiveDuration(t *testing.T) {
	t.Setenv("CAMCTL_POLL_INTERVAL", "-1s")
	cfg := Load()
	if cfg.PollInterval != defaultPollInterval {
		t.Fatalf("expected a non-positive duration to fall back to the default, got %v", cfg.PollInterval)
	}
}

func TestWithConfigFileOverridesPath(t *testing.T) {
	cfg := Load().WithConfigFile("/tmp/custom.yaml")
	if cfg.ConfigPath != "/tmp/custom.yaml" {
		t.Fatalf("expected the override path, got %q", cfg.ConfigPath)
	}
}

func TestWithConfigFileIgnoresBlank(t *testing.T) {
	cfg := Load().WithConfigFile("   ")
	if cfg.ConfigPath != defaultConfigPath {
		t.Fatalf("expected a blank override to be ignored, got %q", cfg.ConfigPath)
	}
}

func TestConfigDirReturnsParentOfConfigPath(t *testing.T) {
	cfg := Config{ConfigPath: "/data/sub/camctl.yaml"}
	if got := cfg.ConfigDir(); got != "/data/sub" {
		t.Fatalf("expected /data/sub, got %q", got)
	}
}
