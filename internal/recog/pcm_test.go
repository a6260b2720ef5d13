package recog

import (
	"encoding/binary"
	"testing"
)

func pcmOf(amplitude int16, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(amplitude))
	}
	return out
}

func TestPCMDurationMS(t *testing.T) {
	// 16kHz mono, 16-bit: 320 samples is 20ms.
	if got := pcmDurationMS(640, 16000, 1); got != 20 {
		t.Fatalf("expected 20ms, got %d", got)
	}
	if got := pcmDurationMS(640, 0, 1); got != 0 {
		t.Fatalf("expected 0 for invalid rate, got %d", got)
	}
}

func TestFrameHasVoice(t *testing.T) {
	if frameHasVoice(pcmOf(0, 320)) {
		t.Fatal("silence misclassified as voice")
	}
	if frameHasVoice(pcmOf(100, 320)) {
		t.Fatal("low-level noise misclassified as voice")
	}
	if !frameHasVoice(pcmOf(4000, 320)) {
		t.Fatal("loud signal not classified as voice")
	}
	if frameHasVoice(nil) {
		t.Fatal("empty frame classified as voice")
	}
}
