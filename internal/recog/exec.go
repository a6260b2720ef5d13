package recog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/callbridge-labs/callbridge-core/internal/config"
	"github.com/callbridge-labs/callbridge-core/internal/protocol"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// execProvider shells out to a transcription command per segment. The
// command receives a WAV file path and prints {"text","confidence"} JSON.
type execProvider struct {
	cmd []string
	cfg config.RecognitionConfig
}

func NewExecProvider(cfg config.RecognitionConfig) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &execProvider{cmd: args, cfg: cfg}, nil
}

func (p *execProvider) Open(ctx context.Context) (Stream, error) {
	partialEvery := int64(p.cfg.PartialEveryMS)
	if partialEvery <= 0 {
		partialEvery = 800
	}
	s := &execStream{
		cmd:          p.cmd,
		cfg:          p.cfg,
		partialEvery: partialEvery,
		events:       make(chan Segment, 8),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s, nil
}

type execStream struct {
	cmd          []string
	cfg          config.RecognitionConfig
	partialEvery int64
	ctx          context.Context
	cancel       context.CancelFunc

	mu          sync.Mutex
	closed      bool
	err         error
	events      chan Segment
	buf         []byte
	clockMS     int64
	startMS     int64
	lastVoiceMS int64
	lastEmitMS  int64
	voiced      bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (s *execStream) Send(frame protocol.AudioFrame) error {
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
			s.buf = s.buf[:0]
		}
		s.lastVoiceMS = s.clockMS
	}
	if !s.voiced {
		return nil
	}
	s.buf = append(s.buf, frame.PCM...)

	if s.clockMS-s.lastVoiceMS >= 400 {
		if err := s.transcribe(true); err != nil {
			s.err = err
			return err
		}
		s.voiced = false
		s.buf = s.buf[:0]
		return nil
	}
	if s.clockMS-s.lastEmitMS >= s.partialEvery {
		s.lastEmitMS = s.clockMS
		if err := s.transcribe(false); err != nil {
			s.err = err
			return err
		}
	}
	return nil
}

func (s *execStream) transcribe(final bool) error {
	file, err := os.CreateTemp(os.TempDir(), "callbridge_recog_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, s.buf, s.cfg.SampleRate, s.cfg.Channels); err != nil {
		return err
	}

	args := append([]string{}, s.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(s.ctx, s.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("recognition command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return fmt.Errorf("decode recognition response: %w", err)
	}
	if resp.Text == "" {
		return nil
	}
	end := s.clockMS
	if final {
		end = s.lastVoiceMS
	}
	select {
	case s.events <- Segment{Text: resp.Text, Final: final, StartMS: s.startMS, EndMS: end}:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	return nil
}

func (s *execStream) Events() <-chan Segment { return s.events }

func (s *execStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *execStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
		close(s.events)
	}
	return nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
