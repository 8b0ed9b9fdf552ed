package stack

import (
	"log/slog"

	"github.com/qemunet/vmnet/internal"
)

// Logger is the same embedded-slog convention used throughout the teacher
// tree (internet.StackEthernet, x/xnet.StackAsync): a thin wrapper that
// no-ops cleanly when log is nil.
type Logger struct {
	log *slog.Logger
}

func (l Logger) error(msg string, attrs ...slog.Attr) { internal.LogAttrs(l.log, slog.LevelError, msg, attrs...) }
func (l Logger) warn(msg string, attrs ...slog.Attr)  { internal.LogAttrs(l.log, slog.LevelWarn, msg, attrs...) }
func (l Logger) info(msg string, attrs ...slog.Attr)  { internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...) }
func (l Logger) debug(msg string, attrs ...slog.Attr) { internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...) }
