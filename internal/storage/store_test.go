package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"convochat/internal/config"
	"convochat/internal/models"
	"convochat/internal/redis"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		cfg := config.Default()
		cfg.Databases[config.StoreSQLite] = config.DatabaseConfig{DSN: ":memory:"}
		cfg.BasicConfig.Store = config.StoreSQLite
		st, err := Open(cfg)
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		return st
	})
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newRedisTestStore(t)
	})
}

func TestOpenRejectsUnknownStore(t *testing.T) {
	cfg := config.Default()
	cfg.BasicConfig.Store = "etcd"
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}

func TestMigrateUnsupportedDriver(t *testing.T) {
	if err := Migrate(nil, "postgres"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("PutGet", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()
		ctx := context.Background()

		if err := st.Put(ctx, &models.Conversation{ID: 1}); err != nil {
			t.Fatalf("put: %v", err)
		}
		conv, err := st.Get(ctx, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if conv.ID != 1 || len(conv.Messages) != 0 {
			t.Fatalf("unexpected conversation: %+v", conv)
		}
		if _, err := st.Get(ctx, 2); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AppendPreservesOrderAndContent", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()
		ctx := context.Background()

		if err := st.Put(ctx, &models.Conversation{ID: 5}); err != nil {
			t.Fatalf("put: %v", err)
		}
		want := []models.Message{
			{Role: models.RoleUser, Content: "héllo \"world\"\n<tag>"},
			{Role: models.RoleAssistant, Content: "hi 👋"},
			{Role: "tool", Content: ""},
		}
		for _, m := range want {
			if err := st.Append(ctx, 5, m); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		conv, err := st.Get(ctx, 5)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(conv.Messages) != len(want) {
			t.Fatalf("want %d messages, got %d", len(want), len(conv.Messages))
		}
		for i := range want {
			if conv.Messages[i] != want[i] {
				t.Fatalf("message %d mismatch: want %+v got %+v", i, want[i], conv.Messages[i])
			}
		}
		if err := st.Append(ctx, 6, want[0]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound appending to missing id, got %v", err)
		}
	})

	t.Run("PutReplaces", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()
		ctx := context.Background()

		st.Put(ctx, &models.Conversation{ID: 1})
		st.Append(ctx, 1, models.Message{Role: models.RoleUser, Content: "old"})
		if err := st.Put(ctx, &models.Conversation{ID: 1}); err != nil {
			t.Fatalf("put: %v", err)
		}
		conv, err := st.Get(ctx, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(conv.Messages) != 0 {
			t.Fatalf("expected replaced conversation to be empty, got %+v", conv.Messages)
		}
	})

	t.Run("NoAliasing", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()
		ctx := context.Background()

		st.Put(ctx, &models.Conversation{ID: 1})
		st.Append(ctx, 1, models.Message{Role: models.RoleUser, Content: "a"})
		first, _ := st.Get(ctx, 1)
		first.Messages[0].Content = "mutated"
		first.Messages = append(first.Messages, models.Message{Content: "extra"})

		again, _ := st.Get(ctx, 1)
		if len(again.Messages) != 1 || again.Messages[0].Content != "a" {
			t.Fatalf("store state changed through returned value: %+v", again.Messages)
		}
	})

	t.Run("DeleteListCountMax", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()
		ctx := context.Background()

		for _, id := range []int64{3, 1, 2} {
			if err := st.Put(ctx, &models.Conversation{ID: id}); err != nil {
				t.Fatalf("put %d: %v", id, err)
			}
		}
		st.Append(ctx, 2, models.Message{Role: models.RoleUser, Content: "two"})

		list, err := st.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 3 || list[0].ID != 1 || list[1].ID != 2 || list[2].ID != 3 {
			t.Fatalf("list not ordered by id: %+v", list)
		}
		if len(list[1].Messages) != 1 || list[1].Messages[0].Content != "two" {
			t.Fatalf("list lost messages: %+v", list[1])
		}

		if err := st.Delete(ctx, 3); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := st.Delete(ctx, 3); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
		n, err := st.Count(ctx)
		if err != nil || n != 2 {
			t.Fatalf("count = %d, %v; want 2", n, err)
		}
		top, err := st.MaxID(ctx)
		if err != nil || top != 2 {
			t.Fatalf("max id = %d, %v; want 2", top, err)
		}
	})

	t.Run("EmptyStore", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()
		ctx := context.Background()

		list, err := st.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if list == nil || len(list) != 0 {
			t.Fatalf("expected empty non-nil list, got %#v", list)
		}
		if top, _ := st.MaxID(ctx); top != 0 {
			t.Fatalf("expected max id 0, got %d", top)
		}
	})
}

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed store tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	cfg := config.Default()
	cfg.Redis = config.RedisConfig{
		Host:   host,
		Port:   port,
		Prefix: fmt.Sprintf("convochat-test-%d", time.Now().UnixNano()),
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	return NewRedisStore(client)
}

func TestRedisAppendRacingDeleteLeavesNoOrphan(t *testing.T) {
	st := newRedisTestStore(t)
	defer st.Close()
	ctx := context.Background()

	// a second process sharing the same keyspace
	other := NewRedisStore(st.client)

	for id := int64(1); id <= 20; id++ {
		if err := st.Put(ctx, &models.Conversation{ID: id}); err != nil {
			t.Fatalf("put: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				err := st.Append(ctx, id, models.Message{Role: models.RoleUser, Content: "x"})
				if err != nil && !errors.Is(err, ErrNotFound) {
					t.Errorf("append: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			if err := other.Delete(ctx, id); err != nil {
				t.Errorf("delete: %v", err)
			}
		}()
		wg.Wait()

		if err := st.Append(ctx, id, models.Message{Content: "late"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		n, err := st.client.Raw().Exists(ctx, st.messagesKey(id)).Result()
		if err != nil {
			t.Fatalf("exists: %v", err)
		}
		if n != 0 {
			t.Fatalf("conversation %d left an orphaned message list", id)
		}
	}
}
