// Package meshlog holds small log/slog helpers shared across the mesh
// packages, grounded on the teacher's own ad hoc slog.Info/Debug/Warn
// call-site conventions in pkg/p2pnet.
package meshlog

import (
	"log/slog"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"
)

// NewDefault builds the daemon's root logger: text handler to stderr at
// info level, exactly as cmd/shurli/main.go configures slog.SetDefault.
func NewDefault() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Short truncates a peer ID for log lines, the same "first 16 chars + ..."
// convention pkg/p2pnet's shortID uses.
func Short(pid peer.ID) string {
	s := pid.String()
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
