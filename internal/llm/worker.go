package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/promptq/promptq/internal/broker"
	"github.com/promptq/promptq/internal/config"
	"github.com/promptq/promptq/pkg/models"
)

// TerminationString is the sentinel sent as the final message of a
// successful stream, telling the listener to stop reading.
const TerminationString = "<<<END_OF_STREAM>>>"

const fragmentLogInterval = 50

// streamConn is the subset of the relay client connection the worker uses.
type streamConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type relayDialer func(ctx context.Context, url string) (streamConn, error)

// Worker polls for pending handles bound to one model, claims them through
// the leased checkout, and executes them. Generation handles are streamed
// through the relay; embedding handles are computed synchronously with no
// relay involved.
type Worker struct {
	service   *Service
	modelName string
	generator models.Generator
	embedder  models.Embedder

	pollInterval time.Duration
	relayCfg     config.RelayConfig
	dial         relayDialer

	running atomic.Bool
}

// NewGenerationWorker creates a worker that streams text generation.
func NewGenerationWorker(service *Service, gen models.Generator, workerCfg config.WorkerConfig, relayCfg config.RelayConfig) *Worker {
	return &Worker{
		service:      service,
		modelName:    workerCfg.ModelName,
		generator:    gen,
		pollInterval: pollIntervalOrDefault(workerCfg.PollInterval),
		relayCfg:     relayCfg,
		dial:         dialRelay,
	}
}

// NewEmbeddingWorker creates a worker that computes embeddings.
func NewEmbeddingWorker(service *Service, emb models.Embedder, workerCfg config.WorkerConfig) *Worker {
	return &Worker{
		service:      service,
		modelName:    workerCfg.ModelName,
		embedder:     emb,
		pollInterval: pollIntervalOrDefault(workerCfg.PollInterval),
		dial:         dialRelay,
	}
}

func pollIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 50 * time.Millisecond
	}
	return d
}

// Run drives the poll loop until Stop is called or ctx is cancelled. The
// handle being processed when Stop is called finishes first.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	slog.Info("worker started", "model", w.modelName, "poll_interval", w.pollInterval)

	for w.running.Load() {
		select {
		case <-ctx.Done():
			slog.Info("worker context cancelled", "model", w.modelName)
			return nil
		case <-time.After(w.pollInterval):
		}

		has, err := w.service.HasPending(ctx, w.modelName)
		if err != nil {
			slog.Error("pending peek failed", "model", w.modelName, "error", err)
			continue
		}
		if !has {
			continue
		}

		handle, err := w.service.Checkout(ctx, w.modelName)
		if errors.Is(err, ErrNoPendingHandle) || errors.Is(err, broker.ErrLeaseHeld) {
			// Another worker won the race between peek and claim.
			CheckoutRacesTotal.Inc()
			slog.Debug("checkout lost to another worker", "model", w.modelName, "reason", err)
			continue
		}
		if err != nil {
			slog.Error("checkout failed", "model", w.modelName, "error", err)
			continue
		}

		HandlesClaimedTotal.Inc()
		w.process(ctx, handle)
	}

	slog.Info("worker stopped", "model", w.modelName)
	return nil
}

// Stop requests a graceful shutdown, checked at the top of the loop.
func (w *Worker) Stop() {
	w.running.Store(false)
}

func (w *Worker) process(ctx context.Context, handle *models.PromptHandle) {
	slog.Info("processing prompt handle",
		"handle_id", handle.ID,
		"model", handle.ModelName,
		"created_at", handle.CreatedAt,
	)

	var err error
	if w.embedder != nil {
		err = w.processEmbedding(ctx, handle)
	} else {
		err = w.processGeneration(ctx, handle)
	}
	if err != nil {
		HandlesFailedTotal.Inc()
		slog.Error("prompt handle failed", "handle_id", handle.ID, "error", err)
		// The run context may already be cancelled (that can be what failed
		// the handle); the state write must still land or the handle stays
		// in_progress forever.
		if failErr := w.service.Fail(context.WithoutCancel(ctx), handle.ID, err.Error()); failErr != nil {
			slog.Error("failed to mark handle failed", "handle_id", handle.ID, "error", failErr)
		}
		return
	}
	HandlesFinishedTotal.Inc()
}

func (w *Worker) processEmbedding(ctx context.Context, handle *models.PromptHandle) error {
	start := time.Now()
	embedding, err := w.embedder.Embed(ctx, handle.Prompt)
	if err != nil {
		return fmt.Errorf("compute embedding: %w", err)
	}

	elapsed := time.Since(start).Seconds()
	if err := w.service.FinalizeEmbedding(context.WithoutCancel(ctx), handle.ID, embedding, elapsed); err != nil {
		return fmt.Errorf("finalize embedding: %w", err)
	}

	slog.Info("embedding handle finished",
		"handle_id", handle.ID, "dimensions", len(embedding), "seconds", elapsed)
	return nil
}

func (w *Worker) processGeneration(ctx context.Context, handle *models.PromptHandle) error {
	start := time.Now()

	params := handle.Params
	if params == nil {
		params = models.DefaultParams()
	}

	prompt := handle.Prompt
	if params.SystemPrompt != "" && !w.generator.HandlesSystemPrompt() {
		prompt = params.SystemPrompt + prompt
	}

	url := w.relayURL(handle.RendezvousToken)
	slog.Debug("connecting to relay", "url_token_len", len(handle.RendezvousToken), "handle_id", handle.ID)
	conn, err := w.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	fragments, err := w.generator.GenerateStream(streamCtx, params, prompt)
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}

	filter := newMarkerFilter(turnMarkers)
	var response string
	count := 0
	peerClosed := false

	emit := func(text string) {
		if text == "" {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			// Relay closing first is a normal "listener went away" event:
			// stop streaming and finalize with what we have.
			slog.Warn("relay connection closed by peer", "handle_id", handle.ID, "error", err)
			peerClosed = true
			return
		}
		response += text
	}

	for fragment := range fragments {
		if fragment.Err != nil {
			return fmt.Errorf("generation stream: %w", fragment.Err)
		}

		emit(filter.Feed(fragment.Text))
		if peerClosed {
			cancelStream()
			break
		}
		FragmentsStreamedTotal.Inc()
		count++
		if count%fragmentLogInterval == 0 {
			slog.Info("generated fragments", "handle_id", handle.ID, "count", count)
		}
	}
	if !peerClosed {
		emit(filter.Flush())
	}

	if !peerClosed {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(TerminationString)); err != nil {
			slog.Warn("failed to send stream terminator", "handle_id", handle.ID, "error", err)
		}
	}

	elapsed := time.Since(start).Seconds()
	// Cancellation of the run context must not strand a fully streamed
	// handle in in_progress.
	if err := w.service.FinalizeGeneration(context.WithoutCancel(ctx), handle.ID, response, elapsed); err != nil {
		return fmt.Errorf("finalize generation: %w", err)
	}

	slog.Info("generation handle finished",
		"handle_id", handle.ID, "fragments", count, "seconds", elapsed)
	return nil
}

func (w *Worker) relayURL(token string) string {
	return fmt.Sprintf("ws://%s:%d%s/%s",
		w.relayCfg.Host, w.relayCfg.Port, w.relayCfg.PathPrefix, token)
}

// dialRelay connects to the relay endpoint, retrying briefly since the
// server may still be coming up when a worker grabs its first handle.
func dialRelay(ctx context.Context, url string) (streamConn, error) {
	var conn *websocket.Conn

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 4), ctx)

	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
