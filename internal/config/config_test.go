package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("address: Example 1\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNoConfigFile) {
		t.Error("missing explicit path must not be reported as ErrNoConfigFile")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)
	t.Setenv("HOME", dir)

	_, err := FindConfig("")
	if !errors.Is(err, ErrNoConfigFile) && err != nil {
		t.Fatalf("FindConfig(\"\") error = %v, want ErrNoConfigFile", err)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("address: Example 1\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`address: Example 1
collection_time: "07:15"
mqtt:
  host: broker.lan
publish:
  ack_timeout: 45s
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Address != "Example 1" {
		t.Errorf("address = %q", cfg.Address)
	}
	if cfg.CollectionTime != "07:15" {
		t.Errorf("collection_time = %q", cfg.CollectionTime)
	}
	if cfg.MQTT.Host != "broker.lan" || cfg.MQTT.Port != DefaultMQTTPort {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.MQTT.ClientID != "avfallsor" || cfg.MQTT.KeepAliveSec != 5 {
		t.Errorf("mqtt defaults lost: %+v", cfg.MQTT)
	}
	if cfg.Publish.AckTimeout != 45*time.Second {
		t.Errorf("ack_timeout = %v", cfg.Publish.AckTimeout)
	}
	if cfg.Publish.SettleDelay != DefaultSettleDelay {
		t.Errorf("settle_delay = %v", cfg.Publish.SettleDelay)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${AVFALLSOR_TEST_PASSWORD}\n"), 0600)
	t.Setenv("AVFALLSOR_TEST_PASSWORD", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt: [unclosed\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load with invalid YAML should error")
	}
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"ADDRESS":         "Example 1",
		"MQTT_HOST":       "10.0.0.2",
		"MQTT_PORT":       "8883",
		"MQTT_TLS":        "true",
		"COLLECTION_TIME": "05:30",
		"ACK_TIMEOUT":     "10s",
		"SETTLE_DELAY":    "500ms",
		"TIMEZONE":        "Europe/Oslo",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv error: %v", err)
	}

	if cfg.Address != "Example 1" || cfg.MQTT.Host != "10.0.0.2" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MQTT.Port != 8883 || !cfg.MQTT.TLS {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.CollectionTime != "05:30" || cfg.Timezone != "Europe/Oslo" {
		t.Errorf("collection = %q %q", cfg.CollectionTime, cfg.Timezone)
	}
	if cfg.Publish.AckTimeout != 10*time.Second || cfg.Publish.SettleDelay != 500*time.Millisecond {
		t.Errorf("publish = %+v", cfg.Publish)
	}
}

func TestApplyEnv_EmptyKeepsValue(t *testing.T) {
	cfg := Default()
	cfg.Address = "From File 2"
	if err := cfg.ApplyEnv(envMap(map[string]string{"ADDRESS": "  "})); err != nil {
		t.Fatal(err)
	}
	if cfg.Address != "From File 2" {
		t.Errorf("address = %q, want file value kept", cfg.Address)
	}
	if cfg.MQTT.Port != DefaultMQTTPort {
		t.Errorf("port = %d, want default", cfg.MQTT.Port)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"MQTT_PORT":    "eighteen",
		"MQTT_TLS":     "maybe",
		"ACK_TIMEOUT":  "30",
		"SETTLE_DELAY": "soon",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(envMap(map[string]string{key: val}))
			if err == nil || !strings.Contains(err.Error(), key) {
				t.Errorf("ApplyEnv(%s=%s) error = %v", key, val, err)
			}
		})
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Address = "Example 1"
	cfg.MQTT.Host = "localhost"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing address", func(c *Config) { c.Address = "" }, "address is required"},
		{"missing host", func(c *Config) { c.MQTT.Host = "" }, "mqtt.host is required"},
		{"port zero", func(c *Config) { c.MQTT.Port = 0 }, "out of range"},
		{"port high", func(c *Config) { c.MQTT.Port = 70000 }, "out of range"},
		{"bad time", func(c *Config) { c.CollectionTime = "6am" }, "collection_time"},
		{"bad zone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"negative ack", func(c *Config) { c.Publish.AckTimeout = -time.Second }, "ack_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := validConfig()
	loc, err := cfg.Location()
	if err != nil || loc != time.Local {
		t.Errorf("Location() = %v, %v; want time.Local", loc, err)
	}

	cfg.Timezone = "UTC"
	loc, err = cfg.Location()
	if err != nil || loc.String() != "UTC" {
		t.Errorf("Location() = %v, %v; want UTC", loc, err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("AVFALLSOR_DOTENV_TEST=from-dotenv\nAVFALLSOR_DOTENV_SET=from-dotenv\n"), 0600)

	t.Setenv("AVFALLSOR_DOTENV_SET", "from-process")
	t.Cleanup(func() { os.Unsetenv("AVFALLSOR_DOTENV_TEST") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("AVFALLSOR_DOTENV_TEST"); got != "from-dotenv" {
		t.Errorf("AVFALLSOR_DOTENV_TEST = %q", got)
	}
	if got := os.Getenv("AVFALLSOR_DOTENV_SET"); got != "from-process" {
		t.Errorf("existing variable overridden: %q", got)
	}
}

func TestLoadDotEnv_Missing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("LoadDotEnv(missing) error = %v, want nil", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" DEBUG ", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	for in, want := range map[string]string{"": "text", "text": "text", " JSON ": "json"} {
		got, err := ParseLogFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseLogFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("ParseLogFormat(xml) should error")
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	b := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if b.Value.Any() != slog.LevelInfo {
		t.Errorf("info level changed to %v", b.Value)
	}
}

func TestValidateSchedule_IgnoresBroker(t *testing.T) {
	cfg := Default()
	cfg.Address = "Example 1"
	if err := cfg.ValidateSchedule(); err != nil {
		t.Errorf("ValidateSchedule() error = %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() without mqtt.host should error")
	}
}
