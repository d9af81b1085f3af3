package audio

import "math"

// DecodePCM16LE converts little-endian signed 16-bit PCM into samples in [-1, 1),
// appending to dst. A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte, dst []float64) []float64 {
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		dst = append(dst, float64(sample)/32768.0)
	}
	return dst
}

// Levels returns the root-mean-square and peak absolute amplitude of PCM16LE
// audio, both in [0, 1].
func Levels(pcm []byte) (rms, peak float64) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(pcm[2*i])|int16(pcm[2*i+1])<<8) / 32768.0
		sum += v * v
		peak = max(peak, math.Abs(v))
	}
	return math.Sqrt(sum / float64(n)), peak
}
