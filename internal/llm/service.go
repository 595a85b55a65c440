package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/promptq/promptq/internal/broker"
	"github.com/promptq/promptq/internal/store"
	"github.com/promptq/promptq/pkg/models"
)

const (
	// DefaultWaitTimeout bounds AwaitCompletion when callers pass no timeout.
	DefaultWaitTimeout = 120 * time.Second
	waitPollInterval   = 10 * time.Millisecond
)

// Service is the producer- and worker-facing API around prompt handles:
// dispatching new ones, blocking until completion, and the leased checkout
// used by workers.
type Service struct {
	store    store.Store
	broker   broker.Broker
	leaseTTL time.Duration
}

// NewService creates a Service. leaseTTL bounds how long a crashed worker can
// block other workers from claiming the same handle.
func NewService(st store.Store, br broker.Broker, leaseTTL time.Duration) *Service {
	if leaseTTL <= 0 {
		leaseTTL = time.Second
	}
	return &Service{store: st, broker: br, leaseTTL: leaseTTL}
}

// Dispatch creates a pending prompt handle and returns immediately.
// Fire-and-forget: the single insert is the only side effect.
func (s *Service) Dispatch(ctx context.Context, modelName, prompt string, params *models.Params) (*models.PromptHandle, error) {
	now := time.Now().UTC()
	handle := &models.PromptHandle{
		ID:              uuid.New(),
		State:           models.StatePending,
		ModelName:       modelName,
		Prompt:          prompt,
		Params:          params,
		RendezvousToken: models.NewRendezvousToken(),
		CreatedAt:       now,
		ModifiedAt:      now,
	}

	if err := s.store.CreatePromptHandle(ctx, handle); err != nil {
		return nil, fmt.Errorf("dispatch prompt: %w", err)
	}
	return handle, nil
}

// AwaitCompletion re-reads the handle until it reaches a terminal state or
// timeout elapses. On timeout it returns ErrWaitTimeout without touching the
// handle; the handle may still finish later, this call just stops watching.
func (s *Service) AwaitCompletion(ctx context.Context, handle *models.PromptHandle, timeout time.Duration) (*models.PromptHandle, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		refreshed, err := s.store.GetPromptHandle(ctx, handle.ID)
		if err != nil {
			return nil, fmt.Errorf("refresh prompt handle: %w", err)
		}
		switch refreshed.State {
		case models.StateFinished:
			return refreshed, nil
		case models.StateFailed:
			msg := "unknown error"
			if refreshed.ErrorMessage != nil {
				msg = *refreshed.ErrorMessage
			}
			return nil, fmt.Errorf("%w: %s", ErrHandleFailed, msg)
		}

		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HasPending is the cheap peek run on every worker poll tick.
func (s *Service) HasPending(ctx context.Context, modelName string) (bool, error) {
	return s.store.HasPendingHandle(ctx, modelName)
}

// Checkout claims the oldest pending handle for a model. The lease only
// protects the read-flip-persist critical section, not the generation that
// follows. Returns ErrNoPendingHandle or broker.ErrLeaseHeld on the benign
// races where another worker got there first.
func (s *Service) Checkout(ctx context.Context, modelName string) (*models.PromptHandle, error) {
	handle, err := s.store.OldestPendingHandle(ctx, modelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPendingHandle
	}
	if err != nil {
		return nil, fmt.Errorf("fetch pending handle: %w", err)
	}

	leaseKey := broker.LeaseKey(handle.ID)
	if err := s.broker.AcquireLease(ctx, leaseKey, s.leaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.broker.ReleaseLease(ctx, leaseKey); err != nil {
			slog.Warn("failed to release checkout lease", "key", leaseKey, "error", err)
		}
	}()

	pendingMs := time.Since(handle.CreatedAt).Milliseconds()
	if err := s.store.MarkInProgress(ctx, handle.ID, pendingMs); err != nil {
		// The lease holder changed the state under us or the row vanished;
		// either way this worker did not win the claim.
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoPendingHandle
		}
		return nil, fmt.Errorf("claim prompt handle: %w", err)
	}

	handle.State = models.StateInProgress
	handle.TimeSpentPendingMs = &pendingMs
	return handle, nil
}

// FinalizeGeneration records a finished generation handle.
func (s *Service) FinalizeGeneration(ctx context.Context, id uuid.UUID, response string, timeTakenSeconds float64) error {
	return s.store.FinalizeGeneration(ctx, id, response, timeTakenSeconds)
}

// FinalizeEmbedding records a finished embedding handle.
func (s *Service) FinalizeEmbedding(ctx context.Context, id uuid.UUID, embedding []float64, timeTakenSeconds float64) error {
	return s.store.FinalizeEmbedding(ctx, id, embedding, timeTakenSeconds)
}

// Fail marks a handle failed so it never sits in_progress forever after a
// backend error.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, message string) error {
	return s.store.MarkFailed(ctx, id, message)
}
