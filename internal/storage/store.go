package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"convochat/internal/config"
	"convochat/internal/models"
	"convochat/internal/redis"
)

// ErrNotFound is returned when a conversation id is not present.
var ErrNotFound = errors.New("conversation not found")

// Store holds conversations. Implementations copy on the way in and out, so a
// returned conversation never aliases stored state.
type Store interface {
	// Put creates the conversation or replaces it entirely.
	Put(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id int64) (*models.Conversation, error)
	Append(ctx context.Context, id int64, msg models.Message) error
	Delete(ctx context.Context, id int64) error
	// List returns every conversation ordered by ascending id.
	List(ctx context.Context) ([]*models.Conversation, error)
	Count(ctx context.Context) (int, error)
	// MaxID returns the highest live id, or 0 when empty.
	MaxID(ctx context.Context) (int64, error)
	Close() error
}

// Open builds the store selected by basic_config.store.
func Open(cfg *config.Config) (Store, error) {
	kind := strings.ToLower(cfg.BasicConfig.Store)
	switch kind {
	case "", config.StoreMemory:
		return NewMemoryStore(), nil
	case "sqlite", config.StoreSQLite, config.StoreMySQL:
		db, err := OpenDB(kind, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, kind); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLStore(db), nil
	case config.StoreRedis:
		client, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported store: %s", cfg.BasicConfig.Store)
	}
}
