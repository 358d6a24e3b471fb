package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"convochat/internal/models"
	"convochat/internal/redis"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps the id set in a sorted set (score = id) and each
// conversation's messages in a list of JSON documents.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) idsKey() string {
	return s.client.Key("conversations")
}

func (s *RedisStore) messagesKey(id int64) string {
	return s.client.Key("conversation", strconv.FormatInt(id, 10), "messages")
}

func encodeMessages(msgs []models.Message) ([]any, error) {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

func decodeMessages(raw []string) ([]models.Message, error) {
	out := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, conv *models.Conversation) error {
	payloads, err := encodeMessages(conv.Messages)
	if err != nil {
		return err
	}
	member := strconv.FormatInt(conv.ID, 10)
	_, err = s.client.Raw().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.messagesKey(conv.ID))
		pipe.ZAdd(ctx, s.idsKey(), goredis.Z{Score: float64(conv.ID), Member: member})
		if len(payloads) > 0 {
			pipe.RPush(ctx, s.messagesKey(conv.ID), payloads...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) exists(ctx context.Context, id int64) error {
	_, err := s.client.Raw().ZScore(ctx, s.idsKey(), strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.ErrCacheMiss) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id int64) (*models.Conversation, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	raw, err := s.client.Raw().LRange(ctx, s.messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := decodeMessages(raw)
	if err != nil {
		return nil, err
	}
	return &models.Conversation{ID: id, Messages: msgs}, nil
}

// appendRetries bounds optimistic retries when the id set changes under WATCH.
const appendRetries = 5

// Append pushes msg only while the conversation is still in the id set. The
// set is watched so a concurrent delete from another instance aborts the push
// instead of leaving an orphaned list behind.
func (s *RedisStore) Append(ctx context.Context, id int64, msg models.Message) error {
	payloads, err := encodeMessages([]models.Message{msg})
	if err != nil {
		return err
	}
	member := strconv.FormatInt(id, 10)
	txf := func(tx *goredis.Tx) error {
		if _, err := tx.ZScore(ctx, s.idsKey(), member).Result(); err != nil {
			if errors.Is(err, redis.ErrCacheMiss) {
				return ErrNotFound
			}
			return fmt.Errorf("get conversation: %w", err)
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.RPush(ctx, s.messagesKey(id), payloads...)
			return nil
		})
		return err
	}

	for i := 0; i < appendRetries; i++ {
		err = s.client.Raw().Watch(ctx, txf, s.idsKey())
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	var removed *goredis.IntCmd
	_, err := s.client.Raw().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.idsKey(), strconv.FormatInt(id, 10))
		pipe.Del(ctx, s.messagesKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*models.Conversation, error) {
	members, err := s.client.Raw().ZRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse conversation id %q: %w", m, err)
		}
		ids = append(ids, id)
	}

	cmds := make([]*goredis.StringSliceCmd, len(ids))
	if len(ids) > 0 {
		_, err = s.client.Raw().Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.LRange(ctx, s.messagesKey(id), 0, -1)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
	}

	out := make([]*models.Conversation, 0, len(ids))
	for i, id := range ids {
		msgs, err := decodeMessages(cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out = append(out, &models.Conversation{ID: id, Messages: msgs})
	}
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Raw().ZCard(ctx, s.idsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) MaxID(ctx context.Context) (int64, error) {
	top, err := s.client.Raw().ZRevRangeWithScores(ctx, s.idsKey(), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("max conversation id: %w", err)
	}
	if len(top) == 0 {
		return 0, nil
	}
	return int64(top[0].Score), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
