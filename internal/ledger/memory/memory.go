// Package memory is an in-process ledger store for tests and single-node
// runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/superpaes/exercise-gateway/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	usage  []ledger.UsageRecord
	limits map[string]ledger.CostLimit
	alerts map[string]ledger.CostAlert
}

func New() *Store {
	return &Store{
		limits: make(map[string]ledger.CostLimit),
		alerts: make(map[string]ledger.CostAlert),
	}
}

func (s *Store) InsertUsage(_ context.Context, rec ledger.UsageRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("usage record requires id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

func (s *Store) QueryUsage(_ context.Context, filter ledger.UsageFilter) ([]ledger.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.UsageRecord
	for _, rec := range s.usage {
		if ledger.MatchUsage(rec, filter) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SumCost(_ context.Context, filter ledger.UsageFilter) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, rec := range s.usage {
		if ledger.MatchUsage(rec, filter) {
			total += rec.EstimatedCost
		}
	}
	return total, nil
}

func (s *Store) CostLimit(_ context.Context, userID string) (ledger.CostLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit, ok := s.limits[userID]
	if !ok {
		return ledger.CostLimit{}, ledger.ErrNotFound
	}
	limit.ModuleLimits = copyModules(limit.ModuleLimits)
	return limit, nil
}

func (s *Store) PutCostLimit(_ context.Context, limit ledger.CostLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit.ModuleLimits = copyModules(limit.ModuleLimits)
	s.limits[limit.UserID] = limit
	return nil
}

func (s *Store) InsertAlert(_ context.Context, alert ledger.CostAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return fmt.Errorf("alert %s already exists", alert.ID)
	}
	s.alerts[alert.ID] = alert
	return nil
}

func (s *Store) QueryAlerts(_ context.Context, filter ledger.AlertFilter) ([]ledger.CostAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.CostAlert
	for _, alert := range s.alerts {
		if ledger.MatchAlert(alert, filter) {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ResolveAlert(_ context.Context, id, resolvedBy string, at time.Time) (ledger.CostAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return ledger.CostAlert{}, ledger.ErrNotFound
	}
	if !alert.Active {
		return alert, ledger.ErrAlreadyResolved
	}
	alert.Active = false
	alert.ResolvedAt = &at
	alert.ResolvedBy = resolvedBy
	s.alerts[id] = alert
	return alert, nil
}

func (s *Store) Close() error { return nil }

func copyModules(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
