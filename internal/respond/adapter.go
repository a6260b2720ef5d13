package respond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/dialog"
)

var (
	// ErrBusy rejects overlapping generations. The turn manager never
	// issues them, but the contract is enforced here regardless.
	ErrBusy = errors.New("response generation already in flight")
	// ErrProviderTimeout fires when no first chunk arrives in time, or the
	// overall deadline passes.
	ErrProviderTimeout = errors.New("response provider timeout")
	// ErrProviderError wraps non-retriable backend failures.
	ErrProviderError = errors.New("response provider error")
)

// Adapter drives one language-model backend for one call, single-flight.
type Adapter struct {
	cfg  config.ResponderConfig
	gen  Generator
	log  *slog.Logger
	busy atomic.Bool
}

func NewAdapter(cfg config.ResponderConfig, gen Generator, log *slog.Logger) *Adapter {
	return &Adapter{
		cfg: cfg,
		gen: gen,
		log: log.With(slog.String("component", "respond")),
	}
}

// Generate streams reply chunks for the utterance given the dialogue
// context. Returns ErrBusy immediately if a generation is outstanding;
// asynchronous failures arrive on the error channel after the chunk channel
// closes.
func (a *Adapter) Generate(ctx context.Context, turns []dialog.Turn, utterance string) (<-chan Chunk, <-chan error, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return nil, nil, ErrBusy
	}

	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	req := Request{
		System:      a.cfg.SystemPrompt,
		Context:     turns,
		Utterance:   utterance,
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}

	go func() {
		defer a.busy.Store(false)
		defer close(errs)
		defer close(chunks)

		gctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.OverallTimeout)*time.Millisecond)
		defer cancel()

		gotFirst := make(chan struct{})
		var first sync.Once
		var firstTimedOut atomic.Bool

		watchdogDone := make(chan struct{})
		go func() {
			defer close(watchdogDone)
			select {
			case <-gotFirst:
			case <-gctx.Done():
			case <-time.After(time.Duration(a.cfg.FirstChunkTimeout) * time.Millisecond):
				firstTimedOut.Store(true)
				cancel()
			}
		}()

		start := time.Now()
		err := a.gen.Generate(gctx, req, func(chunk Chunk) error {
			first.Do(func() { close(gotFirst) })
			select {
			case chunks <- chunk:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		<-watchdogDone

		if err == nil {
			a.log.Info("reply generated", slog.Duration("latency", time.Since(start)))
			return
		}
		switch {
		case firstTimedOut.Load() || errors.Is(err, context.DeadlineExceeded):
			errs <- ErrProviderTimeout
		case ctx.Err() != nil:
			errs <- ctx.Err()
		default:
			errs <- fmt.Errorf("%w: %v", ErrProviderError, err)
		}
	}()

	return chunks, errs, nil
}
