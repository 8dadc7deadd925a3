package reconnect

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
	"github.com/moukrea/serverless-chat-sub000/internal/peerstore"
)

const (
	layer1MaxAge       = 5 * time.Minute
	layer1Candidates   = 5
	layer1AttemptTimeout = 10 * time.Second
	layer2Candidates   = 3
	layer2AttemptTimeout = 5 * time.Second
	layer3MaxAge       = 24 * time.Hour
	layer3Candidates   = 10
	layer3AttemptTimeout = 15 * time.Second
)

// coldStart runs when no live peer can relay signalling for us. It tries,
// in order, four independent layers of escalating desperation, any one of
// which may hand the node its first connection back into the mesh.
func (o *Orchestrator) coldStart(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, coldStartDeadline)
	defer cancel()

	stats := Stats{MethodBreakdown: map[ColdStartMethod]int{}}

	if method, ok := o.coldStartLayer1(ctx); ok {
		return o.finishColdStart(ctx, stats, method)
	}

	o.coldStartLayer2(ctx)

	if method, ok := o.coldStartLayer3(ctx); ok {
		return o.finishColdStart(ctx, stats, method)
	}

	o.coldStartLayer4(ctx)
	return stats, errors.New("reconnect: cold start exhausted all layers")
}

// finishColdStart implements the grace-delay + announce(cold_start_recovery)
// handoff into warm-start behaviour for any remaining desired peers.
func (o *Orchestrator) finishColdStart(ctx context.Context, stats Stats, method ColdStartMethod) (Stats, error) {
	stats.Method = method
	stats.MethodBreakdown[method]++

	select {
	case <-ctx.Done():
	case <-time.After(coldStartGraceDelay):
	}

	if err := o.announcer.Announce(ctx, meshid.ReasonColdStartRecovery, o.registry.ConnectedPeerIDs(), nil); err != nil {
		o.logger.Warn("reconnect: announce cold_start_recovery failed", "error", err)
	}

	more, err := o.warmStart(context.WithoutCancel(ctx))
	if err == nil {
		for k, v := range more.MethodBreakdown {
			stats.MethodBreakdown[k] += v
		}
	}
	return stats, nil
}

// coldStartLayer1 pulls up to 5 recently-connected candidates, ranks them by
// the cold-start score, and dials all of them in parallel.
func (o *Orchestrator) coldStartLayer1(ctx context.Context) (ColdStartMethod, bool) {
	recs, err := o.peers.Query(ctx, peerstore.QueryOptions{
		MaxConnectedAge:    layer1MaxAge,
		ExcludeBlacklisted: true,
	})
	if err != nil || len(recs) == 0 {
		return "", false
	}

	now := time.Now()
	sort.Slice(recs, func(i, j int) bool {
		return coldStartScore(recs[i], now) > coldStartScore(recs[j], now)
	})
	if len(recs) > layer1Candidates {
		recs = recs[:layer1Candidates]
	}

	return o.dialCandidatesParallel(ctx, recs, layer1AttemptTimeout, MethodRecentPeers)
}

// coldStartScore implements spec.md §4.4's Layer-1 ranking: a handful of
// additive bonuses for recency and candidate quality, collapsed to zero for
// a blacklisted peer.
func coldStartScore(r *peerstore.PeerRecord, now time.Time) float64 {
	if r.IsBlacklisted(now) {
		return 0
	}
	score := 0.0
	age := now.Sub(r.LastConnected)
	switch {
	case age < time.Minute:
		score += 30
	case age < 5*time.Minute:
		score += 20
	case age < 10*time.Minute:
		score += 10
	}
	switch r.Quality.Type {
	case peerstore.ConnTypeHost:
		score += 40
	case peerstore.ConnTypeSrflx:
		score += 25
	case peerstore.ConnTypeRelay:
		score += 10
	}
	score += 20 * r.Quality.SuccessRate
	score -= 5 * float64(r.ReconnectionAttempts)
	return score
}

// coldStartLayer2 is the experimental knock protocol: minimum-cost dial
// attempts purely to wake NAT bindings. Its outcome is advisory only — it
// never reports success back to coldStart, per spec.md §4.4 ("implementations
// may omit it without affecting any testable property").
func (o *Orchestrator) coldStartLayer2(ctx context.Context) {
	recs, err := o.peers.Query(ctx, peerstore.QueryOptions{
		SortBy:             peerstore.SortByReconnectionScore,
		Order:              peerstore.OrderDesc,
		Limit:              layer2Candidates,
		ExcludeBlacklisted: true,
	})
	if err != nil || len(recs) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range recs {
		r := r
		g.Go(func() error {
			stepCtx, cancel := context.WithTimeout(gctx, layer2AttemptTimeout)
			defer cancel()
			o.dialDirect(stepCtx, r.PeerID)
			return nil
		})
	}
	_ = g.Wait()
}

// coldStartLayer3 casts a wider net: up to 10 parallel attempts against any
// peer seen within the last 24h.
func (o *Orchestrator) coldStartLayer3(ctx context.Context) (ColdStartMethod, bool) {
	recs, err := o.peers.Query(ctx, peerstore.QueryOptions{
		SortBy:             peerstore.SortByReconnectionScore,
		Order:              peerstore.OrderDesc,
		Limit:              layer3Candidates,
		MaxAge:             layer3MaxAge,
		ExcludeBlacklisted: true,
	})
	if err != nil || len(recs) == 0 {
		return "", false
	}
	return o.dialCandidatesParallel(ctx, recs, layer3AttemptTimeout, MethodAllKnown)
}

// coldStartLayer4 is the terminal fallback: if a pairing secret is
// persisted, ask the surrounding application to enter manual pairing mode.
// The core never renders UI itself.
func (o *Orchestrator) coldStartLayer4(ctx context.Context) {
	if o.events == nil {
		return
	}
	o.events.EmitManualPairingRequested(o.hasPairingSecret())
}

// dialCandidatesParallel runs runLadder against every candidate concurrently
// and reports the first success, if any.
func (o *Orchestrator) dialCandidatesParallel(ctx context.Context, recs []*peerstore.PeerRecord, timeout time.Duration, method ColdStartMethod) (ColdStartMethod, bool) {
	type result struct {
		method ColdStartMethod
		err    error
	}
	resultCh := make(chan result, len(recs))

	for _, r := range recs {
		r := r
		go func() {
			stepCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			m, err := o.runLadder(stepCtx, r.PeerID, r.DisplayName)
			if err == nil && m != "" {
				m = method
			}
			resultCh <- result{method: m, err: err}
		}()
	}

	for i := 0; i < len(recs); i++ {
		select {
		case res := <-resultCh:
			if res.err == nil {
				return res.method, true
			}
		case <-ctx.Done():
			return "", false
		}
	}
	return "", false
}
