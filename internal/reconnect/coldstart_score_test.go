package reconnect

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"pgregory.net/rapid"

	"github.com/moukrea/serverless-chat-sub000/internal/peerstore"
)

func TestColdStartScoreBlacklistedIsZero(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	r := &peerstore.PeerRecord{
		PeerID:        peer.ID("p"),
		LastConnected: now,
		BlacklistUntil: &future,
		Quality:       peerstore.ConnectionQuality{Type: peerstore.ConnTypeHost, SuccessRate: 1},
	}
	if got := coldStartScore(r, now); got != 0 {
		t.Fatalf("coldStartScore for blacklisted peer = %v, want 0", got)
	}
}

func TestColdStartScoreRecencyBands(t *testing.T) {
	now := time.Now()
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{30 * time.Second, 30},
		{2 * time.Minute, 20},
		{8 * time.Minute, 10},
		{20 * time.Minute, 0},
	}
	for _, c := range cases {
		r := &peerstore.PeerRecord{LastConnected: now.Add(-c.age)}
		if got := coldStartScore(r, now); got != c.want {
			t.Fatalf("age %v: coldStartScore = %v, want %v", c.age, got, c.want)
		}
	}
}

func TestColdStartScoreConnectionTypeBonus(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Hour)
	host := &peerstore.PeerRecord{LastConnected: old, Quality: peerstore.ConnectionQuality{Type: peerstore.ConnTypeHost}}
	srflx := &peerstore.PeerRecord{LastConnected: old, Quality: peerstore.ConnectionQuality{Type: peerstore.ConnTypeSrflx}}
	relay := &peerstore.PeerRecord{LastConnected: old, Quality: peerstore.ConnectionQuality{Type: peerstore.ConnTypeRelay}}

	if coldStartScore(host, now) <= coldStartScore(srflx, now) {
		t.Fatal("host candidate must outrank srflx")
	}
	if coldStartScore(srflx, now) <= coldStartScore(relay, now) {
		t.Fatal("srflx candidate must outrank relay")
	}
}

// TestColdStartScoreMonotonicInSuccessRate is a property test: holding every
// other field fixed, a strictly higher success_rate never produces a lower
// score.
func TestColdStartScoreMonotonicInSuccessRate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := time.Now()
		base := &peerstore.PeerRecord{
			LastConnected: now.Add(-time.Duration(rapid.IntRange(0, 3600).Draw(rt, "ageSeconds")) * time.Second),
			Quality: peerstore.ConnectionQuality{
				Type: peerstore.ConnTypeHost,
			},
			ReconnectionAttempts: rapid.IntRange(0, 20).Draw(rt, "attempts"),
		}
		lowRate := rapid.Float64Range(0, 0.5).Draw(rt, "lowRate")
		highRate := rapid.Float64Range(lowRate, 1).Draw(rt, "highRate")

		low := *base
		low.Quality.SuccessRate = lowRate
		high := *base
		high.Quality.SuccessRate = highRate

		if coldStartScore(&high, now) < coldStartScore(&low, now) {
			t.Fatalf("higher success_rate (%v) scored below lower (%v): %v < %v",
				highRate, lowRate, coldStartScore(&high, now), coldStartScore(&low, now))
		}
	})
}

// TestColdStartScoreMonotonicInAttempts is the attempts-penalty counterpart:
// more reconnection attempts never increases the score.
func TestColdStartScoreMonotonicInAttempts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := time.Now()
		fewer := rapid.IntRange(0, 10).Draw(rt, "fewer")
		more := rapid.IntRange(fewer, 30).Draw(rt, "more")

		mk := func(attempts int) *peerstore.PeerRecord {
			return &peerstore.PeerRecord{
				LastConnected:        now.Add(-time.Minute),
				Quality:              peerstore.ConnectionQuality{Type: peerstore.ConnTypeHost, SuccessRate: 0.5},
				ReconnectionAttempts: attempts,
			}
		}
		if coldStartScore(mk(more), now) > coldStartScore(mk(fewer), now) {
			t.Fatalf("more attempts (%d) scored above fewer (%d)", more, fewer)
		}
	})
}
