package respond

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/dialog"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCfg() config.ResponderConfig {
	return config.ResponderConfig{
		Mode:              "mock",
		Model:             "test-model",
		FirstChunkTimeout: 50,
		OverallTimeout:    500,
	}
}

type genFunc func(ctx context.Context, req Request, consumer func(Chunk) error) error

func (f genFunc) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	return f(ctx, req, consumer)
}

func collect(t *testing.T, chunks <-chan Chunk, errs <-chan error) ([]Chunk, error) {
	t.Helper()
	var got []Chunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	select {
	case err := <-errs:
		return got, err
	case <-time.After(2 * time.Second):
		t.Fatal("error channel never resolved")
		return nil, nil
	}
}

func TestGenerateStreamsChunks(t *testing.T) {
	gen := genFunc(func(_ context.Context, _ Request, consumer func(Chunk) error) error {
		if err := consumer(Chunk{Text: "Hello "}); err != nil {
			return err
		}
		return consumer(Chunk{Text: "there.", Final: true})
	})
	a := NewAdapter(testCfg(), gen, newLogger())

	chunks, errs, err := a.Generate(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	got, genErr := collect(t, chunks, errs)
	if genErr != nil {
		t.Fatalf("unexpected generation error: %v", genErr)
	}
	if len(got) != 2 || got[0].Text != "Hello " || !got[1].Final {
		t.Fatalf("unexpected chunks: %+v", got)
	}
}

func TestGenerateRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	gen := genFunc(func(ctx context.Context, _ Request, consumer func(Chunk) error) error {
		if err := consumer(Chunk{Text: "working"}); err != nil {
			return err
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	a := NewAdapter(testCfg(), gen, newLogger())

	chunks, errs, err := a.Generate(context.Background(), nil, "first")
	if err != nil {
		t.Fatalf("first generate: %v", err)
	}

	if _, _, err := a.Generate(context.Background(), nil, "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if _, genErr := collect(t, chunks, errs); genErr != nil {
		t.Fatalf("first generation failed: %v", genErr)
	}

	// Once the first generation finishes the adapter accepts work again.
	chunks, errs, err = a.Generate(context.Background(), nil, "third")
	if err != nil {
		t.Fatalf("generate after completion: %v", err)
	}
	collect(t, chunks, errs)
}

func TestGenerateFirstChunkTimeout(t *testing.T) {
	gen := genFunc(func(ctx context.Context, _ Request, _ func(Chunk) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	a := NewAdapter(testCfg(), gen, newLogger())

	chunks, errs, err := a.Generate(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	got, genErr := collect(t, chunks, errs)
	if len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
	if !errors.Is(genErr, ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", genErr)
	}
}

func TestGenerateWrapsProviderError(t *testing.T) {
	gen := genFunc(func(_ context.Context, _ Request, consumer func(Chunk) error) error {
		if err := consumer(Chunk{Text: "partial"}); err != nil {
			return err
		}
		return errors.New("backend exploded")
	})
	a := NewAdapter(testCfg(), gen, newLogger())

	chunks, errs, err := a.Generate(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, genErr := collect(t, chunks, errs)
	if !errors.Is(genErr, ErrProviderError) {
		t.Fatalf("expected ErrProviderError, got %v", genErr)
	}
}

func TestGeneratePassesDialogueContext(t *testing.T) {
	var seen Request
	gen := genFunc(func(_ context.Context, req Request, consumer func(Chunk) error) error {
		seen = req
		return consumer(Chunk{Text: "ok", Final: true})
	})
	cfg := testCfg()
	cfg.SystemPrompt = "be brief"
	a := NewAdapter(cfg, gen, newLogger())

	turns := []dialog.Turn{
		{Speaker: dialog.SpeakerCaller, Text: "hello"},
		{Speaker: dialog.SpeakerSystem, Text: "hi"},
	}
	chunks, errs, err := a.Generate(context.Background(), turns, "how are you")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	collect(t, chunks, errs)

	if seen.System != "be brief" || seen.Utterance != "how are you" {
		t.Fatalf("request not populated: %+v", seen)
	}
	if len(seen.Context) != 2 || seen.Context[0].Text != "hello" {
		t.Fatalf("dialogue context not passed: %+v", seen.Context)
	}
}
