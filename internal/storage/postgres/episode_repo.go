package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/memsandbox/internal/memory"
)

// EpisodeRepository implements memory.Store with GORM. It is shared by the
// SQLite and PostgreSQL backends.
type EpisodeRepository struct {
	db *gorm.DB
}

// NewEpisodeRepository creates an EpisodeRepository.
func NewEpisodeRepository(db *gorm.DB) *EpisodeRepository {
	return &EpisodeRepository{db: db}
}

// Append validates and inserts an episode, filling its ID and timestamp.
func (r *EpisodeRepository) Append(ctx context.Context, ep *memory.Episode) error {
	if err := memory.Prepare(ep); err != nil {
		return err
	}
	model, err := toEpisodeModel(ep)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending episode: %w", err)
	}
	return nil
}

// Query returns episodes whose task, content or tags match q, newest first.
// Task and content match by substring; tags match whole values. Both are
// case-insensitive. An empty q matches everything.
func (r *EpisodeRepository) Query(ctx context.Context, q string, limit int) ([]memory.Episode, error) {
	limit = memory.ClampLimit(limit)
	q = strings.ToLower(strings.TrimSpace(q))

	tx := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if q != "" {
		sub := "%" + escapeLike(q) + "%"
		tag, _ := json.Marshal(q)
		tx = tx.Where(
			`LOWER(task) LIKE ? ESCAPE '\' OR LOWER(content) LIKE ? ESCAPE '\' OR LOWER(tags) LIKE ? ESCAPE '\'`,
			sub, sub, "%"+escapeLike(string(tag))+"%",
		)
	}

	var models []EpisodeModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying episodes: %w", err)
	}
	out := make([]memory.Episode, 0, len(models))
	for i := range models {
		ep, err := toEpisodeDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// Ping checks the connection.
func (r *EpisodeRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func toEpisodeModel(ep *memory.Episode) (EpisodeModel, error) {
	id, err := uuid.Parse(ep.ID)
	if err != nil {
		return EpisodeModel{}, fmt.Errorf("%w: id %q is not a uuid", memory.ErrInvalidEpisode, ep.ID)
	}
	tags := ep.Tags
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return EpisodeModel{}, fmt.Errorf("encoding tags: %w", err)
	}
	return EpisodeModel{
		ID:        id,
		Task:      ep.Task,
		Content:   ep.Content,
		Outcome:   ep.Outcome,
		Tags:      string(data),
		CreatedAt: ep.CreatedAt,
	}, nil
}

func toEpisodeDomain(m *EpisodeModel) (memory.Episode, error) {
	ep := memory.Episode{
		ID:        m.ID.String(),
		Task:      m.Task,
		Content:   m.Content,
		Outcome:   m.Outcome,
		CreatedAt: m.CreatedAt,
	}
	if m.Tags != "" {
		if err := json.Unmarshal([]byte(m.Tags), &ep.Tags); err != nil {
			return memory.Episode{}, fmt.Errorf("decoding tags of episode %s: %w", m.ID, err)
		}
	}
	return ep, nil
}

var _ memory.Store = (*EpisodeRepository)(nil)
