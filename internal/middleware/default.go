package middleware

import (
	"github.com/mark3labs/espagent/internal/config"
	"github.com/mark3labs/espagent/internal/fsbackend"
	"github.com/mark3labs/espagent/internal/llm"
)

// Default builds the standard pipeline: router, summarizer, filesystem,
// tool selector, retry, approval. small also serves summaries and tool
// selection. fs may be nil to run without file tools.
func Default(cfg *config.Config, small, large llm.Model, fs *fsbackend.Backend) *Pipeline {
	return New(
		&Router{
			Default:   small,
			Large:     large,
			Threshold: cfg.Router.MessageThreshold,
			Markers:   cfg.Router.ComplexMarkers,
		},
		&Summarizer{
			Model:   small,
			Trigger: cfg.Summary.TriggerTokens,
			Keep:    cfg.Summary.KeepMessages,
			Prompt:  cfg.Summary.Prompt,
		},
		&Filesystem{Backend: fs},
		&Selector{
			Model:         small,
			MaxTools:      cfg.Selector.MaxTools,
			AlwaysInclude: cfg.Selector.AlwaysInclude,
		},
		NewRetry(cfg.Retry),
		&Approval{Tools: cfg.Approval.Tools},
	)
}
