package recog

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsProvider speaks the bidirectional websocket contract: one JSON config
// message, then binary PCM frames out and JSON transcript events in.
type wsProvider struct {
	cfg config.RecognitionConfig
}

func NewWSProvider(cfg config.RecognitionConfig) Provider {
	return &wsProvider{cfg: cfg}
}

type wsStart struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

type wsEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

func (p *wsProvider) Open(ctx context.Context) (Stream, error) {
	header := http.Header{}
	if p.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial recognition endpoint: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial recognition endpoint: %w", err)
	}

	if err := conn.WriteJSON(wsStart{SampleRate: p.cfg.SampleRate, Channels: p.cfg.Channels}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send recognition start: %w", err)
	}

	s := &wsStream{
		conn:   conn,
		events: make(chan Segment, 16),
	}
	go s.readLoop()
	return s, nil
}

type wsStream struct {
	conn   *websocket.Conn
	events chan Segment

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		var evt wsEvent
		if err := s.conn.ReadJSON(&evt); err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		s.events <- Segment{
			Text:    evt.Text,
			Final:   evt.IsFinal,
			StartMS: evt.StartMS,
			EndMS:   evt.EndMS,
		}
	}
}

func (s *wsStream) Send(frame protocol.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrProviderDisconnected
	}
	s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.PCM); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return nil
}

func (s *wsStream) Events() <-chan Segment { return s.events }

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
