package recog

import (
	"context"
	"fmt"
	"sync"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
)

// mockProvider emits synthetic segments keyed off audio volume so the full
// pipeline can run without a real recognition backend.
type mockProvider struct {
	cfg config.RecognitionConfig
}

func NewMockProvider(cfg config.RecognitionConfig) Provider {
	return &mockProvider{cfg: cfg}
}

func (p *mockProvider) Open(_ context.Context) (Stream, error) {
	partialEvery := int64(p.cfg.PartialEveryMS)
	if partialEvery <= 0 {
		partialEvery = 800
	}
	return &mockStream{
		cfg:          p.cfg,
		partialEvery: partialEvery,
		events:       make(chan Segment, 8),
	}, nil
}

type mockStream struct {
	cfg          config.RecognitionConfig
	partialEvery int64

	mu          sync.Mutex
	closed      bool
	events      chan Segment
	clockMS     int64
	startMS     int64
	lastVoiceMS int64
	lastEmitMS  int64
	voiced      bool
}

func (s *mockStream) Send(frame protocol.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrProviderDisconnected
	}

	frameMS := pcmDurationMS(len(frame.PCM), s.cfg.SampleRate, s.cfg.Channels)
	s.clockMS += frameMS

	if frameHasVoice(frame.PCM) {
		if !s.voiced {
			s.voiced = true
			s.startMS = s.clockMS - frameMS
			s.lastEmitMS = s.clockMS
		}
		s.lastVoiceMS = s.clockMS
	}
	if !s.voiced {
		return nil
	}

	// Trailing silence promotes the utterance to a final segment.
	if s.clockMS-s.lastVoiceMS >= 400 {
		s.emit(Segment{
			Text:    fmt.Sprintf("[utterance %dms]", s.lastVoiceMS-s.startMS),
			Final:   true,
			StartMS: s.startMS,
			EndMS:   s.lastVoiceMS,
		})
		s.voiced = false
		return nil
	}
	if s.clockMS-s.lastEmitMS >= s.partialEvery {
		s.lastEmitMS = s.clockMS
		s.emit(Segment{
			Text:    fmt.Sprintf("[partial %dms]", s.clockMS-s.startMS),
			Final:   false,
			StartMS: s.startMS,
			EndMS:   s.clockMS,
		})
	}
	return nil
}

func (s *mockStream) emit(seg Segment) {
	select {
	case s.events <- seg:
	default:
	}
}

func (s *mockStream) Events() <-chan Segment { return s.events }

func (s *mockStream) Err() error { return nil }

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
