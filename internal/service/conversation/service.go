package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"convochat/internal/models"
	"convochat/internal/service/ai"
	"convochat/internal/storage"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned for unknown conversation ids.
var ErrNotFound = storage.ErrNotFound

// Runner executes provider calls. *worker.Dispatcher satisfies it.
type Runner interface {
	Do(ctx context.Context, key int64, fn func(context.Context)) error
}

type Options struct {
	// Model is passed to the provider; empty selects the provider default.
	Model string
	// IDStrategy is config.IDStrategyCount or config.IDStrategyMonotonic.
	IDStrategy string
	// Runner bounds concurrent provider calls. Nil calls the provider inline.
	Runner Runner
	// Timeout bounds a single provider round trip. Zero means no limit.
	Timeout time.Duration
}

// Service owns conversation state and mediates every read and write of it.
// Mutations on one conversation are serialized: a SendMessage holds the
// conversation for the whole provider round trip.
type Service struct {
	store    storage.Store
	provider ai.Provider
	opts     Options
	ids      idAllocator

	createMu sync.Mutex
	locks    *keyedMutex
}

func NewService(ctx context.Context, store storage.Store, provider ai.Provider, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	ids, err := newIDAllocator(ctx, opts.IDStrategy, store)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    store,
		provider: provider,
		opts:     opts,
		ids:      ids,
		locks:    newKeyedMutex(),
	}, nil
}

// CreateConversation stores a new empty conversation and returns its id.
func (s *Service) CreateConversation(ctx context.Context) (int64, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	id, err := s.ids.next(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate conversation id: %w", err)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.Put(ctx, &models.Conversation{ID: id, Messages: []models.Message{}}); err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	log.Info().Int64("conversation_id", id).Msg("conversation created")
	return id, nil
}

// DeleteConversation removes a conversation. It waits for an in-flight
// SendMessage on the same id to finish first.
func (s *Service) DeleteConversation(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete conversation %d: %w", id, err)
	}
	log.Info().Int64("conversation_id", id).Msg("conversation deleted")
	return nil
}

func (s *Service) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return conv, nil
}

// ListConversations returns a snapshot of every conversation, ordered by id.
func (s *Service) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return list, nil
}

// SendMessage appends msg, asks the provider for a reply with the full
// history, and appends the reply. The user message is kept even when the
// provider fails; provider failures are returned as *ai.UpstreamError.
func (s *Service) SendMessage(ctx context.Context, id int64, msg models.Message) (models.Message, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.Append(ctx, id, msg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Message{}, fmt.Errorf("load history: %w", err)
	}

	reply, err := s.complete(ctx, id, conv.Messages)
	if err != nil {
		log.Warn().Err(err).Int64("conversation_id", id).Msg("completion failed")
		return models.Message{}, err
	}
	reply.Role = models.RoleAssistant

	// the reply is recorded even if the caller went away during the call
	if err := s.store.Append(context.WithoutCancel(ctx), id, reply); err != nil {
		return models.Message{}, fmt.Errorf("append reply: %w", err)
	}
	log.Debug().Int64("conversation_id", id).Int("history", len(conv.Messages)).Msg("reply recorded")
	return reply, nil
}

func (s *Service) complete(ctx context.Context, id int64, history []models.Message) (models.Message, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	var (
		reply   models.Message
		callErr error
	)
	call := func(ctx context.Context) {
		reply, callErr = s.provider.Complete(ctx, s.opts.Model, history)
	}
	if s.opts.Runner == nil {
		call(ctx)
	} else if err := s.opts.Runner.Do(ctx, id, call); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.Message{}, asUpstream(s.opts.Model, err)
		}
		return models.Message{}, err
	}
	if callErr != nil {
		return models.Message{}, asUpstream(s.opts.Model, callErr)
	}
	return reply, nil
}

// asUpstream makes sure every provider fault reaches callers as an
// *ai.UpstreamError with the original text.
func asUpstream(modelName string, err error) error {
	var upErr *ai.UpstreamError
	if errors.As(err, &upErr) {
		return err
	}
	return &ai.UpstreamError{Model: modelName, Detail: err.Error(), Err: err}
}
