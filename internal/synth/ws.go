package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsSynth opens one websocket per fragment: a JSON request out, binary PCM
// messages back, and a JSON status message carrying the final marker.
type wsSynth struct {
	cfg config.SynthesisConfig
}

func NewWSSynth(cfg config.SynthesisConfig) Synthesizer {
	return &wsSynth{cfg: cfg}
}

type wsRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type wsStatus struct {
	Final bool   `json:"final"`
	Error string `json:"error,omitempty"`
}

func (w *wsSynth) Synthesize(ctx context.Context, text string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		header := http.Header{}
		if w.cfg.APIKey != "" {
			header.Set("Authorization", "Bearer "+w.cfg.APIKey)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.Endpoint, header)
		if err != nil {
			errs <- fmt.Errorf("dial synthesis endpoint: %w", err)
			return
		}
		defer conn.Close()

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(wsRequest{
			Text:       text,
			Voice:      w.cfg.Voice,
			SampleRate: w.cfg.SampleRate,
			Channels:   w.cfg.Channels,
		}); err != nil {
			errs <- fmt.Errorf("send synthesis request: %w", err)
			return
		}

		// Unblock reads when the caller cancels mid-stream.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				conn.SetReadDeadline(time.Now())
			case <-stop:
			}
		}()

		sequence := 0
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					errs <- ctx.Err()
				} else {
					errs <- fmt.Errorf("read synthesis chunk: %w", err)
				}
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				select {
				case chunks <- Chunk{
					Sequence:   sequence,
					SampleRate: w.cfg.SampleRate,
					Channels:   w.cfg.Channels,
					PCM:        data,
				}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			case websocket.TextMessage:
				var status wsStatus
				if err := json.Unmarshal(data, &status); err != nil {
					errs <- fmt.Errorf("decode synthesis status: %w", err)
					return
				}
				if status.Error != "" {
					errs <- fmt.Errorf("synthesis provider error: %s", status.Error)
					return
				}
				if status.Final {
					return
				}
			}
		}
	}()
	return chunks, errs
}
