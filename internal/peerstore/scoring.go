package peerstore

import "time"

const oneDay = 24 * time.Hour

// QualityScore computes the [0, 100] connection-quality score for a record.
func QualityScore(r *PeerRecord) float64 {
	score := 0.0

	if r.Quality.LatencyMs != nil {
		switch {
		case *r.Quality.LatencyMs <= 50:
			score += 40
		case *r.Quality.LatencyMs <= 100:
			score += 35
		case *r.Quality.LatencyMs <= 200:
			score += 25
		case *r.Quality.LatencyMs <= 500:
			score += 15
		case *r.Quality.LatencyMs <= 1000:
			score += 5
		}
	}

	score += r.Quality.SuccessRate * 30

	switch r.Quality.Type {
	case ConnTypeHost:
		score += 20
	case ConnTypeSrflx:
		score += 12
	case ConnTypeRelay:
		score += 5
	}

	switch {
	case r.Quality.AvgUptimeS > 600:
		score += 10
	case r.Quality.AvgUptimeS > 300:
		score += 7
	case r.Quality.AvgUptimeS > 60:
		score += 4
	}

	return clamp(score, 0, 100)
}

// ReconnectionScore computes the [0, 100] priority score used to rank
// reconnection candidates.
func ReconnectionScore(r *PeerRecord, now time.Time) float64 {
	score := 0.4 * QualityScore(r)

	age := now.Sub(r.LastConnected)
	switch {
	case age <= oneDay:
		score += 30
	case age <= 3*oneDay:
		score += 20
	case age <= 7*oneDay:
		score += 10
	}

	score += min(20, 2*float64(r.Quality.SuccessfulConnections))

	failureRate := 0.0
	if r.Quality.TotalConnections > 0 {
		failureRate = 1 - float64(r.Quality.SuccessfulConnections)/float64(r.Quality.TotalConnections)
	}
	switch {
	case failureRate < 0.1:
		score += 10
	case failureRate < 0.3:
		score += 5
	}

	score -= 5 * float64(r.ReconnectionAttempts)

	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
