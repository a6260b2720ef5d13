package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/callbridge-labs/callbridge-core/internal/protocol"
)

// callbridge-sim plays one caller against a running callbridged: it starts
// a call, streams PCM frames onto the bus, prints transcripts and synthesis
// stats as they come back, and hangs up when the audio runs out.
func main() {
	var (
		natsURL    string
		callID     string
		callerID   string
		wavPath    string
		frameMS    int
		sampleRate int
		durationMS int
		linger     int
	)

	flag.StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&callID, "call-id", "", "Call ID (random when empty)")
	flag.StringVar(&callerID, "caller-id", "sim", "Caller ID")
	flag.StringVar(&wavPath, "wav", "", "WAV file to stream as caller audio")
	flag.IntVar(&frameMS, "frame-ms", 20, "Frame duration in milliseconds")
	flag.IntVar(&sampleRate, "rate", 16000, "Sample rate for synthetic audio")
	flag.IntVar(&durationMS, "duration-ms", 3000, "Synthetic audio duration when no WAV is given")
	flag.IntVar(&linger, "linger-ms", 5000, "How long to wait for replies after the audio ends")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if callID == "" {
		callID = uuid.NewString()
	}

	pcm, rate, channels, err := loadAudio(wavPath, sampleRate, durationMS)
	if err != nil {
		logger.Error("failed to load audio", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := nats.Connect(natsURL, nats.Name("callbridge-sim"))
	if err != nil {
		logger.Error("failed to connect to NATS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hangup := make(chan string, 1)
	var synthChunks, synthBytes int

	subs := []*nats.Subscription{}
	sub, err := conn.Subscribe(protocol.SubjectTranscriptPartial, func(msg *nats.Msg) {
		printTranscript(msg.Data, callID)
	})
	if err == nil {
		subs = append(subs, sub)
	}
	sub, err = conn.Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		printTranscript(msg.Data, callID)
	})
	if err == nil {
		subs = append(subs, sub)
	}
	sub, err = conn.Subscribe(protocol.SubjectCallSynth(callID), func(msg *nats.Msg) {
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			return
		}
		synthChunks++
		synthBytes += len(chunk.PCM)
		if chunk.Final {
			fmt.Printf("[synth] turn %s complete: %d chunks, %d bytes\n", chunk.TurnID, synthChunks, synthBytes)
		}
	})
	if err == nil {
		subs = append(subs, sub)
	}
	sub, err = conn.Subscribe(protocol.SubjectCallHangup(callID), func(msg *nats.Msg) {
		var h protocol.Hangup
		_ = json.Unmarshal(msg.Data, &h)
		select {
		case hangup <- h.Reason:
		default:
		}
	})
	if err == nil {
		subs = append(subs, sub)
	}
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()

	start := protocol.CallStart{CallID: callID, CallerID: callerID, StartedAt: time.Now()}
	data, _ := json.Marshal(start)
	if err := conn.Publish(protocol.SubjectCallStart, data); err != nil {
		logger.Error("failed to publish call start", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("call started", slog.String("call_id", callID))

	frameBytes := rate * channels * 2 * frameMS / 1000
	ticker := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
	defer ticker.Stop()

	var sequence uint64
	offset := 0
streaming:
	for offset < len(pcm) {
		select {
		case <-ctx.Done():
			break streaming
		case reason := <-hangup:
			logger.Info("remote hangup", slog.String("reason", reason))
			break streaming
		case <-ticker.C:
			end := offset + frameBytes
			if end > len(pcm) {
				end = len(pcm)
			}
			frame := protocol.AudioFrame{
				CallID:     callID,
				Sequence:   sequence,
				SampleRate: rate,
				Channels:   channels,
				PCM:        pcm[offset:end],
				Timestamp:  time.Now(),
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				logger.Error("failed to encode frame", slog.String("error", err.Error()))
				break streaming
			}
			if err := conn.Publish(protocol.SubjectCallAudio(callID), payload); err != nil {
				logger.Error("failed to publish frame", slog.String("error", err.Error()))
				break streaming
			}
			sequence++
			offset = end
		}
	}

	logger.Info("audio sent", slog.Uint64("frames", sequence))

	select {
	case <-ctx.Done():
	case reason := <-hangup:
		logger.Info("remote hangup", slog.String("reason", reason))
	case <-time.After(time.Duration(linger) * time.Millisecond):
	}

	end := protocol.CallEnd{CallID: callID, EndedAt: time.Now(), Reason: "simulation complete"}
	data, _ = json.Marshal(end)
	if err := conn.Publish(protocol.SubjectCallEnd(callID), data); err != nil {
		logger.Warn("failed to publish call end", slog.String("error", err.Error()))
	}
	_ = conn.Flush()

	fmt.Printf("call %s: %d frames sent, %d synth chunks (%d bytes) received\n",
		callID, sequence, synthChunks, synthBytes)
}

// loadAudio reads 16-bit PCM from a WAV file, or produces synthetic
// silence when no file is given.
func loadAudio(path string, sampleRate, durationMS int) ([]byte, int, int, error) {
	if path == "" {
		n := sampleRate * durationMS / 1000
		return make([]byte, n*2), sampleRate, 1, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if decoder.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d, want 16", decoder.BitDepth)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

func printTranscript(data []byte, callID string) {
	var t protocol.Transcript
	if err := json.Unmarshal(data, &t); err != nil || t.CallID != callID {
		return
	}
	kind := "final"
	if t.Partial {
		kind = "partial"
	}
	fmt.Printf("[%s] %s\n", kind, t.Text)
}
