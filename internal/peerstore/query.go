package peerstore

import (
	"context"
	"sort"
	"time"
)

// SortBy selects the field query results are ordered by.
type SortBy string

const (
	SortByLastSeen         SortBy = "last_seen"
	SortByQualityScore     SortBy = "quality_score"
	SortByReconnectionScore SortBy = "reconnection_score"
)

// SortOrder controls ascending vs descending order.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// QueryOptions parameterizes Query.
type QueryOptions struct {
	SortBy            SortBy
	Order             SortOrder
	Limit             int // 0 means unbounded
	MinQuality        *float64
	MaxAge            time.Duration // 0 means unbounded; measured against LastSeen
	MaxConnectedAge   time.Duration // 0 means unbounded; measured against LastConnected
	ExcludeBlacklisted bool
}

// Query returns peer records matching the given filters, sorted per options.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*PeerRecord, error) {
	s.mu.Lock()
	ids, err := s.loadIndex(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	var out []*PeerRecord
	for _, id := range ids {
		r, err := s.getLocked(ctx, id)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if r == nil {
			continue
		}
		if opts.ExcludeBlacklisted && r.IsBlacklisted(now) {
			continue
		}
		if opts.MaxAge > 0 && now.Sub(r.LastSeen) > opts.MaxAge {
			continue
		}
		if opts.MaxConnectedAge > 0 && now.Sub(r.LastConnected) > opts.MaxConnectedAge {
			continue
		}
		if opts.MinQuality != nil && QualityScore(r) < *opts.MinQuality {
			continue
		}
		out = append(out, r.clone())
	}
	s.mu.Unlock()

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = SortByLastSeen
	}
	less := func(i, j int) bool {
		a, b := out[i], out[j]
		switch sortBy {
		case SortByQualityScore:
			return QualityScore(a) < QualityScore(b)
		case SortByReconnectionScore:
			return ReconnectionScore(a, now) < ReconnectionScore(b, now)
		default:
			return a.LastSeen.Before(b.LastSeen)
		}
	}
	if opts.Order == OrderDesc {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.Slice(out, less)

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ReconnectionCandidates returns peers ranked by reconnection score, highest
// first, suitable for driving M4's orchestrator.
func (s *Store) ReconnectionCandidates(ctx context.Context, limit int, maxAge time.Duration, minQuality float64) ([]*PeerRecord, error) {
	return s.Query(ctx, QueryOptions{
		SortBy:             SortByReconnectionScore,
		Order:              OrderDesc,
		Limit:              limit,
		MinQuality:         &minQuality,
		MaxAge:             maxAge,
		ExcludeBlacklisted: true,
	})
}
