//go:build !windows

package printing

import (
	"errors"
	"log/slog"

	"github.com/orrn/printbridge/internal/core"
)

func NewWinSpoolBackend(logger *slog.Logger) (core.Backend, error) {
	return nil, errors.New("winspool backend is only available on windows")
}
