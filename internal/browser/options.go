package browser

import (
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/pilot"
	"pagepilot-mcp-server/internal/settle"
	"pagepilot-mcp-server/internal/tagger"
)

// PilotOptions maps the pilot config section onto session options. Zero
// values fall through to the package defaults.
func PilotOptions(cfg config.PilotConfig) pilot.Options {
	opts := pilot.DefaultOptions()
	opts.Tagger = tagger.Options{
		ActionAttr: cfg.ActionAttribute,
		StateAttr:  cfg.StateAttribute,
		LabelMax:   cfg.LabelMaxLength,
	}
	opts.Settle = settle.Policy{
		QuietWindow:  cfg.QuietWindowDuration(),
		Timeout:      cfg.SettleTimeoutDuration(),
		PollInterval: cfg.PollIntervalDuration(),
		Attributes:   cfg.SignificantAttributes,
	}
	if cfg.ChunkBudgetBytes > 0 {
		opts.ChunkBudget = cfg.ChunkBudgetBytes
	}
	if cfg.ImageRegionHeight > 0 {
		opts.ImageRegionHeight = cfg.ImageRegionHeight
	}
	if cfg.ImageOverlap >= 0 && cfg.ImageOverlap < opts.ImageRegionHeight {
		opts.ImageOverlap = cfg.ImageOverlap
	} else if opts.ImageOverlap >= opts.ImageRegionHeight {
		opts.ImageOverlap = 0
	}
	if cfg.LedgerCapacity > 0 {
		opts.LedgerCapacity = cfg.LedgerCapacity
	}
	return opts
}
