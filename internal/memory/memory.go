// Package memory defines the episodic memory store that sandboxed code may
// read through the memory.query binding.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEpisode is returned by Append for episodes missing required fields.
var ErrInvalidEpisode = errors.New("invalid episode")

const (
	// DefaultQueryLimit applies when a query asks for zero or fewer results.
	DefaultQueryLimit = 10
	// MaxQueryLimit caps a single query.
	MaxQueryLimit = 100
)

// Episode is one recorded agent experience.
type Episode struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Content   string    `json:"content"`
	Outcome   string    `json:"outcome,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Querier is the read-only view handed to sandboxed executions.
type Querier interface {
	Query(ctx context.Context, q string, limit int) ([]Episode, error)
}

// Store persists episodes.
type Store interface {
	Querier
	Append(ctx context.Context, ep *Episode) error
	Ping(ctx context.Context) error
}

// Prepare validates ep and fills its ID and timestamp when unset.
func Prepare(ep *Episode) error {
	if strings.TrimSpace(ep.Task) == "" {
		return errors.Join(ErrInvalidEpisode, errors.New("task is required"))
	}
	if strings.TrimSpace(ep.Content) == "" {
		return errors.Join(ErrInvalidEpisode, errors.New("content is required"))
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	return nil
}

// ClampLimit normalizes a caller-supplied limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return min(limit, MaxQueryLimit)
}

// InMemoryStore implements Store with a slice guarded by a mutex.
// Used when no database is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	episodes []Episode
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, ep *Episode) error {
	if err := Prepare(ep); err != nil {
		return err
	}
	cp := *ep
	cp.Tags = slices.Clone(ep.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes = append(s.episodes, cp)
	return nil
}

// Query returns episodes whose task, content or tags contain q, newest first.
// An empty q matches everything.
func (s *InMemoryStore) Query(_ context.Context, q string, limit int) ([]Episode, error) {
	limit = ClampLimit(limit)
	q = strings.ToLower(strings.TrimSpace(q))

	s.mu.RLock()
	var out []Episode
	for _, ep := range s.episodes {
		if matches(ep, q) {
			cp := ep
			cp.Tags = slices.Clone(ep.Tags)
			out = append(out, cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func matches(ep Episode, q string) bool {
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(ep.Task), q) || strings.Contains(strings.ToLower(ep.Content), q) {
		return true
	}
	for _, tag := range ep.Tags {
		if strings.EqualFold(tag, q) {
			return true
		}
	}
	return false
}
