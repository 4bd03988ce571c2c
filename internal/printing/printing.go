// Package printing provides the backends that talk to actual print
// subsystems: CUPS over IPP, the Windows spooler, and raw JetDirect sockets.
package printing

import (
	"fmt"
	"log/slog"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
)

const (
	BackendAuto      = "auto"
	BackendIPP       = "ipp"
	BackendWinSpool  = "winspool"
	BackendJetDirect = "jetdirect"
)

// New builds the backend named in the configuration. "auto" resolves to the
// platform's native subsystem: the Windows spooler on Windows, CUPS
// everywhere else.
func New(cfg *config.PrintingConfig, logger *slog.Logger) (core.Backend, error) {
	name := cfg.Backend
	if name == "" || name == BackendAuto {
		name = platformBackend()
	}

	switch name {
	case BackendIPP:
		return NewIPPBackend(cfg.IPPHost, cfg.IPPPort, logger), nil
	case BackendJetDirect:
		return NewJetDirectBackend(cfg.JetDirect, cfg.SubmitTimeout.Std(), logger)
	case BackendWinSpool:
		return NewWinSpoolBackend(logger)
	default:
		return nil, fmt.Errorf("unknown printing backend %q", name)
	}
}
