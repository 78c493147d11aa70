// Package selection chooses broadcast recipients from the eligible user pool.
package selection

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/sampleuv"

	"voicecast/internal/metrics"
	"voicecast/internal/repo"
)

// Filters narrows recipients by profile attributes. Empty or "all" matches everyone.
type Filters struct {
	Gender   string
	AgeGroup string
	Region   string
}

// Normalize lowercases the filters and maps "all" to empty.
func (f Filters) Normalize() Filters {
	return Filters{
		Gender:   normalizeFilter(f.Gender),
		AgeGroup: normalizeFilter(f.AgeGroup),
		Region:   normalizeFilter(f.Region),
	}
}

// Active reports whether any attribute filter is set.
func (f Filters) Active() bool {
	n := f.Normalize()
	return n.Gender != "" || n.AgeGroup != "" || n.Region != ""
}

func normalizeFilter(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "all" {
		return ""
	}
	return v
}

func (f Filters) matches(u repo.User) bool {
	return attrMatches(f.Gender, u.Gender) && attrMatches(f.AgeGroup, u.AgeGroup) && attrMatches(f.Region, u.Region)
}

func attrMatches(want string, got *string) bool {
	return want == "" || (got != nil && strings.EqualFold(*got, want))
}

// CandidateStore is the read-only data the selector needs.
type CandidateStore interface {
	ListCandidates(ctx context.Context, q repo.CandidateQuery) ([]repo.User, error)
	InteractionStats(ctx context.Context, userID string, otherIDs []string) (map[string]repo.InteractionStat, error)
	ResponseStats(ctx context.Context, userIDs []string) (map[string]repo.ResponseStat, error)
}

// Config configures a Selector.
type Config struct {
	Strategy  Strategy
	PoolLimit int
}

// Selector picks recipients with one configured strategy.
type Selector struct {
	store     CandidateStore
	relations *RelationshipFilter
	strategy  Strategy
	poolLimit int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector builds a selector drawing from a randomly seeded source.
func NewSelector(store CandidateStore, relations *RelationshipFilter, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Selector {
	poolLimit := cfg.PoolLimit
	if poolLimit <= 0 {
		poolLimit = 500
	}
	return &Selector{
		store:     store,
		relations: relations,
		strategy:  cfg.Strategy,
		poolLimit: poolLimit,
		metrics:   m,
		logger:    logger.With("component", "selector"),
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// WithRand replaces the random source. Tests pass a seeded source.
func (s *Selector) WithRand(r *rand.Rand) *Selector {
	s.mu.Lock()
	s.rng = r
	s.mu.Unlock()
	return s
}

// WithClock replaces the time source used by recency scoring.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// Strategy returns the configured strategy.
func (s *Selector) Strategy() Strategy {
	return s.strategy
}

// Select returns at most count distinct recipients for sender. A pool smaller
// than count is returned whole; an empty pool yields an empty slice.
func (s *Selector) Select(ctx context.Context, sender repo.User, filters Filters, count int) ([]repo.User, error) {
	return s.SelectExcluding(ctx, sender, filters, count, nil)
}

// SelectExcluding is Select with additional user ids removed from the pool.
func (s *Selector) SelectExcluding(ctx context.Context, sender repo.User, filters Filters, count int, skip map[string]struct{}) ([]repo.User, error) {
	if count <= 0 {
		return []repo.User{}, nil
	}

	pool, err := s.pool(ctx, sender, filters.Normalize(), skip)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SelectionPoolSize.WithLabelValues(s.strategy.String()).Observe(float64(len(pool)))
	}

	var picked []repo.User
	switch {
	case len(pool) == 0:
		picked = []repo.User{}
	case len(pool) <= count:
		picked = pool
	default:
		if picked, err = s.pick(ctx, sender, pool, count); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("recipients selected", "sender_id", sender.ID, "strategy", s.strategy.String(),
		"pool", len(pool), "requested", count, "selected", len(picked))
	return picked, nil
}

// pool loads eligible candidates. The store excludes blocked and skipped
// users before limiting; the same checks run again here along with
// duplicate removal.
func (s *Selector) pool(ctx context.Context, sender repo.User, filters Filters, skip map[string]struct{}) ([]repo.User, error) {
	excluded, err := s.relations.ExcludedIDs(ctx, sender.ID)
	if err != nil {
		return nil, err
	}

	skipIDs := make([]string, 0, len(skip))
	for id := range skip {
		skipIDs = append(skipIDs, id)
	}
	slices.Sort(skipIDs)

	candidates, err := s.store.ListCandidates(ctx, repo.CandidateQuery{
		ExcludeUserID: sender.ID,
		Gender:        filters.Gender,
		AgeGroup:      filters.AgeGroup,
		Region:        filters.Region,
		SkipIDs:       skipIDs,
		ByActivity:    s.strategy == StrategyActivity,
		Limit:         s.poolLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	seen := make(map[string]struct{}, len(candidates))
	pool := make([]repo.User, 0, len(candidates))
	for _, u := range candidates {
		if u.ID == sender.ID || !u.IsActive() || !u.Verified || !filters.matches(u) {
			continue
		}
		if _, ok := excluded[u.ID]; ok {
			continue
		}
		if _, ok := skip[u.ID]; ok {
			continue
		}
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		pool = append(pool, u)
	}
	return pool, nil
}

func (s *Selector) pick(ctx context.Context, sender repo.User, pool []repo.User, count int) ([]repo.User, error) {
	switch s.strategy {
	case StrategyActivity:
		return s.pickActivity(pool, count), nil
	case StrategyRelationship:
		return s.pickRelationship(ctx, sender, pool, count)
	case StrategyWeighted:
		return s.pickWeighted(ctx, sender, pool, count)
	default:
		return s.pickRandom(pool, count), nil
	}
}

func (s *Selector) shuffled(pool []repo.User) []repo.User {
	out := slices.Clone(pool)
	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out
}

func (s *Selector) pickRandom(pool []repo.User, count int) []repo.User {
	return s.shuffled(pool)[:count]
}

// pickActivity orders by last activity, newest first, users never seen last.
// Ties keep a random order.
func (s *Selector) pickActivity(pool []repo.User, count int) []repo.User {
	out := s.shuffled(pool)
	slices.SortStableFunc(out, func(a, b repo.User) int {
		switch {
		case a.LastActiveAt == nil && b.LastActiveAt == nil:
			return 0
		case a.LastActiveAt == nil:
			return 1
		case b.LastActiveAt == nil:
			return -1
		}
		return b.LastActiveAt.Compare(*a.LastActiveAt)
	})
	return out[:count]
}

func (s *Selector) pickRelationship(ctx context.Context, sender repo.User, pool []repo.User, count int) ([]repo.User, error) {
	stats, err := s.store.InteractionStats(ctx, sender.ID, userIDs(pool))
	if err != nil {
		return nil, fmt.Errorf("interaction stats: %w", err)
	}

	var known, rest []repo.User
	for _, u := range s.shuffled(pool) {
		if stats[u.ID].Messages > 0 {
			known = append(known, u)
		} else {
			rest = append(rest, u)
		}
	}
	slices.SortStableFunc(known, func(a, b repo.User) int {
		return cmp.Compare(stats[b.ID].Messages, stats[a.ID].Messages)
	})

	out := append(known, rest...)
	return out[:count], nil
}

func (s *Selector) pickWeighted(ctx context.Context, sender repo.User, pool []repo.User, count int) ([]repo.User, error) {
	ids := userIDs(pool)
	responses, err := s.store.ResponseStats(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("response stats: %w", err)
	}
	interactions, err := s.store.InteractionStats(ctx, sender.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("interaction stats: %w", err)
	}

	now := s.now()
	ranked := make([]scored, 0, len(pool))
	for _, u := range s.shuffled(pool) {
		ranked = append(ranked, scored{
			user:  u,
			score: compositeScore(sender, u, responses[u.ID], interactions[u.ID], now),
		})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	reserved := min(reserveCount(count), count)
	out := make([]repo.User, 0, count)
	for _, r := range ranked[:reserved] {
		out = append(out, r.user)
	}

	remainder := ranked[reserved:]
	need := count - reserved
	if need == 0 || len(remainder) == 0 {
		return out, nil
	}

	lowest := remainder[len(remainder)-1].score
	weights := make([]float64, len(remainder))
	for i, r := range remainder {
		weights[i] = r.score - lowest + weightFloor
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sampler := sampleuv.NewWeighted(weights, s.rng)
	for len(out) < count {
		idx, ok := sampler.Take()
		if !ok {
			break
		}
		out = append(out, remainder[idx].user)
	}
	return out, nil
}

func userIDs(users []repo.User) []string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}
