package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "pagepilot-mcp" {
		t.Errorf("expected server name 'pagepilot-mcp', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Server.LogLevel)
	}
	if cfg.Browser.AutoStart {
		t.Error("expected AutoStart to be false")
	}
	if cfg.Browser.EventPollMs != 250 {
		t.Errorf("expected event poll 250ms, got %d", cfg.Browser.EventPollMs)
	}
	if cfg.Mangle.SchemaPath != "" {
		t.Errorf("expected built-in schema by default, got %q", cfg.Mangle.SchemaPath)
	}
	if cfg.Pilot.ChunkBudgetBytes != 16384 {
		t.Errorf("expected chunk budget 16384, got %d", cfg.Pilot.ChunkBudgetBytes)
	}
	if len(cfg.Pilot.SignificantAttributes) != 4 {
		t.Errorf("expected 4 significant attributes, got %v", cfg.Pilot.SignificantAttributes)
	}
	if cfg.Recorder.MaxFiles != 20 {
		t.Errorf("expected recorder max files 20, got %d", cfg.Recorder.MaxFiles)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-server"
  log_level: debug

browser:
  debugger_url: "ws://localhost:9222"
  auto_start: true
  stealth: true
  dialogs: dismiss
  default_navigation_timeout: "20s"

pilot:
  quiet_window: "250ms"
  chunk_budget_bytes: 4096
  significant_attributes: [style, aria-expanded]

recorder:
  max_files: 3
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-server" {
		t.Errorf("expected server name 'test-server', got %q", cfg.Server.Name)
	}
	if !cfg.Browser.Stealth {
		t.Error("expected stealth to be enabled")
	}
	if cfg.Browser.AcceptDialogs() {
		t.Error("expected dialogs to be dismissed")
	}
	if cfg.Pilot.QuietWindowDuration() != 250*time.Millisecond {
		t.Errorf("expected quiet window 250ms, got %v", cfg.Pilot.QuietWindowDuration())
	}
	if cfg.Pilot.ChunkBudgetBytes != 4096 {
		t.Errorf("expected chunk budget 4096, got %d", cfg.Pilot.ChunkBudgetBytes)
	}
	if len(cfg.Pilot.SignificantAttributes) != 2 || cfg.Pilot.SignificantAttributes[1] != "aria-expanded" {
		t.Errorf("expected overridden attribute list, got %v", cfg.Pilot.SignificantAttributes)
	}
	// Untouched sections keep their defaults.
	if cfg.Pilot.ImageRegionHeight != 1080 {
		t.Errorf("expected default region height, got %d", cfg.Pilot.ImageRegionHeight)
	}
	if cfg.Recorder.MaxFiles != 3 {
		t.Errorf("expected recorder max files 3, got %d", cfg.Recorder.MaxFiles)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	valid := func(mut func(*Config)) Config {
		cfg := DefaultConfig()
		mut(&cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty server name",
			cfg:     Config{Server: ServerConfig{Name: ""}},
			wantErr: true,
			errMsg:  "server.name is required",
		},
		{
			name:    "auto_start without debugger_url or launch",
			cfg:     valid(func(c *Config) { c.Browser.AutoStart = true }),
			wantErr: true,
			errMsg:  "browser.debugger_url or browser.launch must be provided",
		},
		{
			name: "auto_start with launch",
			cfg: valid(func(c *Config) {
				c.Browser.AutoStart = true
				c.Browser.Launch = []string{"chrome"}
			}),
		},
		{
			name:    "unknown dialog policy",
			cfg:     valid(func(c *Config) { c.Browser.Dialogs = "ignore" }),
			wantErr: true,
			errMsg:  `browser.dialogs must be accept or dismiss, got "ignore"`,
		},
		{
			name:    "negative chunk budget",
			cfg:     valid(func(c *Config) { c.Pilot.ChunkBudgetBytes = -1 }),
			wantErr: true,
			errMsg:  "pilot.chunk_budget_bytes must be positive",
		},
		{
			name:    "overlap equals region height",
			cfg:     valid(func(c *Config) { c.Pilot.ImageOverlap = c.Pilot.ImageRegionHeight }),
			wantErr: true,
			errMsg:  "pilot.image_overlap must be smaller than pilot.image_region_height",
		},
		{
			name:    "negative ledger capacity",
			cfg:     valid(func(c *Config) { c.Pilot.LedgerCapacity = -5 }),
			wantErr: true,
			errMsg:  "pilot.ledger_capacity must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				} else if err.Error() != tt.errMsg {
					t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	tests := []struct {
		name     string
		got      func() time.Duration
		expected time.Duration
	}{
		{"navigation empty", BrowserConfig{}.NavigationTimeout, 15 * time.Second},
		{"navigation valid", BrowserConfig{DefaultNavigationTimeout: "20s"}.NavigationTimeout, 20 * time.Second},
		{"navigation invalid", BrowserConfig{DefaultNavigationTimeout: "invalid"}.NavigationTimeout, 15 * time.Second},
		{"attach millis", BrowserConfig{DefaultAttachTimeout: "100ms"}.AttachTimeout, 100 * time.Millisecond},
		{"attach empty", BrowserConfig{}.AttachTimeout, 10 * time.Second},
		{"event poll default", BrowserConfig{}.EventPollInterval, 250 * time.Millisecond},
		{"event poll custom", BrowserConfig{EventPollMs: 100}.EventPollInterval, 100 * time.Millisecond},
		{"quiet window default", PilotConfig{}.QuietWindowDuration, 400 * time.Millisecond},
		{"quiet window negative", PilotConfig{QuietWindow: "-1s"}.QuietWindowDuration, 400 * time.Millisecond},
		{"settle timeout", PilotConfig{SettleTimeout: "2m"}.SettleTimeoutDuration, 2 * time.Minute},
		{"poll interval bad", PilotConfig{PollInterval: "bad"}.PollIntervalDuration, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestIsHeadless(t *testing.T) {
	if !(BrowserConfig{}).IsHeadless() {
		t.Error("expected true when Headless is nil")
	}
	val := false
	if (BrowserConfig{Headless: &val}).IsHeadless() {
		t.Error("expected false when Headless is false")
	}
}

func TestViewportDefaults(t *testing.T) {
	tests := []struct {
		name   string
		cfg    BrowserConfig
		width  int
		height int
	}{
		{"zero", BrowserConfig{}, 1920, 1080},
		{"negative", BrowserConfig{ViewportWidth: -1, ViewportHeight: -50}, 1920, 1080},
		{"custom", BrowserConfig{ViewportWidth: 1280, ViewportHeight: 720}, 1280, 720},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetViewportWidth(); got != tt.width {
				t.Errorf("expected width %d, got %d", tt.width, got)
			}
			if got := tt.cfg.GetViewportHeight(); got != tt.height {
				t.Errorf("expected height %d, got %d", tt.height, got)
			}
		})
	}
}
