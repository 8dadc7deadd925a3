package reconnect

import (
	"context"
	"time"

	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
)

// warmStart runs when at least one live peer can relay signalling for us.
// It is invisible to the user except for new peers appearing, per spec.md
// §4.4.
func (o *Orchestrator) warmStart(ctx context.Context) (Stats, error) {
	stats := Stats{MethodBreakdown: map[ColdStartMethod]int{}}

	select {
	case <-ctx.Done():
		return stats, ctx.Err()
	case <-time.After(warmStartRejoinDelay):
	}

	if err := o.announcer.Announce(ctx, meshid.ReasonRejoin, o.registry.ConnectedPeerIDs(), nil); err != nil {
		o.logger.Warn("reconnect: announce rejoin failed", "error", err)
	}

	candidates, err := o.peers.ReconnectionCandidates(ctx, warmStartCandidateCap, 0, 0)
	if err != nil {
		return stats, err
	}

	attempted := 0
	for _, c := range candidates {
		if attempted >= warmStartAttemptCap {
			break
		}
		if o.registry.IsConnectedOrConnecting(c.PeerID) {
			continue
		}
		attempted++

		method, err := o.runLadder(ctx, c.PeerID, c.DisplayName)
		if err != nil {
			continue
		}
		stats.MethodBreakdown[method]++
		if stats.Method == "" {
			stats.Method = method
		}
	}

	o.Start(ctx)
	return stats, nil
}
