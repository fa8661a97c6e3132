package orkestra

import (
	"github.com/ambiyansyah-risyal/orkestra/logging"
)

// Logger is the structured logger used by the client and its components.
type Logger = logging.Logger

// DebugConfig gates the client's debug logging.
type DebugConfig struct {
	Enabled     bool
	LogRequests bool
	LogRetries  bool
	// LogIdentity logs identity cache refreshes. Only fingerprints are
	// logged, never identity material.
	LogIdentity bool
}

// DefaultDebugConfig returns a disabled config with every category on, so
// enabling it logs everything.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:     false,
		LogRequests: true,
		LogRetries:  true,
		LogIdentity: true,
	}
}

// NewSimpleLogger returns a text logger writing to stderr.
func NewSimpleLogger() Logger { return logging.NewSimpleLogger() }

func (d *DebugConfig) requests() bool { return d != nil && d.Enabled && d.LogRequests }
func (d *DebugConfig) retries() bool  { return d != nil && d.Enabled && d.LogRetries }
func (d *DebugConfig) identity() bool { return d != nil && d.Enabled && d.LogIdentity }
