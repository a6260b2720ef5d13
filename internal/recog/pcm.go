package recog

import "encoding/binary"

// voiceRMSThreshold is the 16-bit RMS level below which a frame counts as
// silence for provider-side endpointing.
const voiceRMSThreshold = 500

func pcmDurationMS(byteLen, sampleRate, channels int) int64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := byteLen / 2 / channels
	return int64(samples) * 1000 / int64(sampleRate)
}

func frameHasVoice(pcm []byte) bool {
	if len(pcm) < 2 {
		return false
	}
	var sum int64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := int64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}
	mean := sum / int64(n)
	return mean > voiceRMSThreshold*voiceRMSThreshold
}
