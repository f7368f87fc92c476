package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// MemoryStore keeps everything in process memory. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu sync.RWMutex

	sources          map[string]models.TrackedSource
	executed         []models.ExecutedPositionRecord
	executionResults []models.ExecutionResult
	mirrorRuns       []models.MirrorRun
	processedKeys    map[string]time.Time
	rateWindows      map[string]models.RateLimitWindow
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		sources:       make(map[string]models.TrackedSource),
		processedKeys: make(map[string]time.Time),
		rateWindows:   make(map[string]models.RateLimitWindow),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveTrackedSource(_ context.Context, source models.TrackedSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[source.Address]; ok {
		source.CreatedAt = existing.CreatedAt
	} else if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now()
	}
	source.UpdatedAt = time.Now()
	s.sources[source.Address] = source
	return nil
}

func (s *MemoryStore) GetTrackedSource(_ context.Context, address string) (*models.TrackedSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[address]
	if !ok {
		return nil, nil
	}
	return &src, nil
}

func (s *MemoryStore) ListTrackedSources(_ context.Context, activeOnly bool) ([]models.TrackedSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sources []models.TrackedSource
	for _, src := range s.sources {
		if activeOnly && !src.Active {
			continue
		}
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].CreatedAt.Before(sources[j].CreatedAt)
	})
	return sources, nil
}

func (s *MemoryStore) SetSourceActive(_ context.Context, address string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[address]
	if !ok {
		return fmt.Errorf("tracked source %s not found", address)
	}
	src.Active = active
	src.UpdatedAt = time.Now()
	s.sources[address] = src
	return nil
}

func (s *MemoryStore) AppendExecutedPosition(_ context.Context, rec models.ExecutedPositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, rec)
	return nil
}

func (s *MemoryStore) ListExecutedPositions(_ context.Context, sourceAddress string, since time.Time) ([]models.ExecutedPositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []models.ExecutedPositionRecord
	for _, rec := range s.executed {
		if rec.SourceAddress == sourceAddress && !rec.Timestamp.Before(since) {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *MemoryStore) PruneExecutedPositions(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.executed[:0]
	for _, rec := range s.executed {
		if !rec.Timestamp.Before(before) {
			kept = append(kept, rec)
		}
	}
	s.executed = kept
	return nil
}

func (s *MemoryStore) ClearExecutedPositions(_ context.Context, sourceAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.executed[:0]
	for _, rec := range s.executed {
		if rec.SourceAddress != sourceAddress {
			kept = append(kept, rec)
		}
	}
	s.executed = kept
	return nil
}

func (s *MemoryStore) SaveExecutionResult(_ context.Context, res models.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionResults = append(s.executionResults, res)
	return nil
}

func (s *MemoryStore) ListExecutionResults(_ context.Context, sourceAddress string, limit int) ([]models.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []models.ExecutionResult
	for i := len(s.executionResults) - 1; i >= 0; i-- {
		if s.executionResults[i].SourceAddress == sourceAddress {
			results = append(results, s.executionResults[i])
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (s *MemoryStore) SaveMirrorRun(_ context.Context, run models.MirrorRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrorRuns = append(s.mirrorRuns, run)
	return nil
}

func (s *MemoryStore) ListMirrorRuns(_ context.Context, sourceAddress string, limit int) ([]models.MirrorRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []models.MirrorRun
	for i := len(s.mirrorRuns) - 1; i >= 0; i-- {
		if s.mirrorRuns[i].SourceAddress == sourceAddress {
			runs = append(runs, s.mirrorRuns[i])
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
	}
	return runs, nil
}

func (s *MemoryStore) SaveProcessedKeys(_ context.Context, keys map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedKeys = make(map[string]time.Time, len(keys))
	for k, t := range keys {
		s.processedKeys[k] = t
	}
	return nil
}

func (s *MemoryStore) LoadProcessedKeys(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make(map[string]time.Time, len(s.processedKeys))
	for k, t := range s.processedKeys {
		keys[k] = t
	}
	return keys, nil
}

func (s *MemoryStore) SaveRateWindows(_ context.Context, windows map[string]models.RateLimitWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateWindows = make(map[string]models.RateLimitWindow, len(windows))
	for k, w := range windows {
		s.rateWindows[k] = w
	}
	return nil
}

func (s *MemoryStore) LoadRateWindows(_ context.Context) (map[string]models.RateLimitWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	windows := make(map[string]models.RateLimitWindow, len(s.rateWindows))
	for k, w := range s.rateWindows {
		windows[k] = w
	}
	return windows, nil
}
