package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level PagePilot config.
	WorkspaceDirName = ".pagepilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the PagePilot MCP server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Pilot    PilotConfig    `yaml:"pilot"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart launches or attaches at startup instead of on the first launch-browser call.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Stealth creates pages through go-rod/stealth.
	Stealth bool `yaml:"stealth"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Interval (ms) at which in-page events are drained into the ledger.
	EventPollMs int `yaml:"event_poll_ms"`
	// Dialogs is the policy for native dialogs: accept | dismiss.
	Dialogs string `yaml:"dialogs"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"` // empty uses the built-in schema
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// PilotConfig tunes the tagger, change detector, paginator and ledger.
type PilotConfig struct {
	QuietWindow           string   `yaml:"quiet_window"`
	SettleTimeout         string   `yaml:"settle_timeout"`
	PollInterval          string   `yaml:"poll_interval"`
	SignificantAttributes []string `yaml:"significant_attributes"`
	ChunkBudgetBytes      int      `yaml:"chunk_budget_bytes"`
	ImageRegionHeight     int      `yaml:"image_region_height"`
	ImageOverlap          int      `yaml:"image_overlap"`
	LedgerCapacity        int      `yaml:"ledger_capacity"`
	LabelMaxLength        int      `yaml:"label_max_length"`
	ActionAttribute       string   `yaml:"action_attribute"`
	StateAttribute        string   `yaml:"state_attribute"`
}

// RecorderConfig controls the per-session JSONL trace.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
	// MaxFiles keeps only the newest trace files; 0 keeps everything.
	MaxFiles int `yaml:"max_files"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "pagepilot-mcp",
			Version:  "0.1.0",
			LogFile:  "pagepilot-mcp.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			SessionStore:             "sessions.json",
			EventPollMs:              250,
			Dialogs:                  "accept",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "",
			FactBufferLimit: 4096,
		},
		Pilot: PilotConfig{
			QuietWindow:           "400ms",
			SettleTimeout:         "10s",
			PollInterval:          "50ms",
			SignificantAttributes: []string{"style", "class", "hidden", "disabled"},
			ChunkBudgetBytes:      16 * 1024,
			ImageRegionHeight:     1080,
			ImageOverlap:          64,
			LedgerCapacity:        500,
			LabelMaxLength:        80,
			ActionAttribute:       "data-action",
			StateAttribute:        "data-state",
		},
		Recorder: RecorderConfig{
			Enable:   true,
			Dir:      "traces",
			MaxFiles: 20,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .pagepilot/config.yaml file.
// Returns the workspace root directory (parent of .pagepilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .pagepilot/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .pagepilot/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# PagePilot project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# pilot:
#   quiet_window: "400ms"
#   settle_timeout: "10s"
#   chunk_budget_bytes: 16384
#   significant_attributes: [style, class, hidden, disabled, aria-expanded]

# recorder:
#   dir: "data/traces"
#   max_files: 20

# browser:
#   headless: false
#   dialogs: dismiss
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, sessions, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	switch c.Browser.Dialogs {
	case "", "accept", "dismiss":
	default:
		return fmt.Errorf("browser.dialogs must be accept or dismiss, got %q", c.Browser.Dialogs)
	}
	if c.Pilot.ChunkBudgetBytes < 0 {
		return errors.New("pilot.chunk_budget_bytes must be positive")
	}
	if c.Pilot.ImageRegionHeight < 0 {
		return errors.New("pilot.image_region_height must be positive")
	}
	if c.Pilot.ImageOverlap < 0 || (c.Pilot.ImageRegionHeight > 0 && c.Pilot.ImageOverlap >= c.Pilot.ImageRegionHeight) {
		return errors.New("pilot.image_overlap must be smaller than pilot.image_region_height")
	}
	if c.Pilot.LedgerCapacity < 0 {
		return errors.New("pilot.ledger_capacity must be positive")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// EventPollInterval returns how often in-page events are drained.
func (b BrowserConfig) EventPollInterval() time.Duration {
	if b.EventPollMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(b.EventPollMs) * time.Millisecond
}

// AcceptDialogs reports whether native dialogs are accepted rather than dismissed.
func (b BrowserConfig) AcceptDialogs() bool {
	return b.Dialogs != "dismiss"
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// QuietWindowDuration returns the settle quiet window.
func (p PilotConfig) QuietWindowDuration() time.Duration {
	return parseDuration(p.QuietWindow, 400*time.Millisecond)
}

// SettleTimeoutDuration returns the maximum settle wait.
func (p PilotConfig) SettleTimeoutDuration() time.Duration {
	return parseDuration(p.SettleTimeout, 10*time.Second)
}

// PollIntervalDuration returns how often mutation records are drained.
func (p PilotConfig) PollIntervalDuration() time.Duration {
	return parseDuration(p.PollInterval, 50*time.Millisecond)
}
