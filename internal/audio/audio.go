// Package audio holds the PCM/WAV helpers shared by the ASR batch-mode
// encoder (C6) and the TTS stream-mode decoder (C8), grounded on the
// byte-pairing arithmetic in internal/rtc's OpusPacedWriter.
package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EncodeWAV16 wraps mono 16-bit little-endian PCM samples in a RIFF/WAVE
// header for the ASR batch-mode upload path (§4.6).
func EncodeWAV16(pcm []int16, sampleRate int) []byte {
	dataBytes := len(pcm) * 2
	const (
		bitsPerSample = 16
		numChannels   = 1
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataBytes))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM format tag
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataBytes))
	for _, s := range pcm {
		binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

// PCM16LEToFloat converts little-endian 16-bit PCM bytes to float samples
// in [-1, 1], carrying any odd trailing byte for the caller to prepend to
// the next chunk (§4.8's "carry the odd trailing byte to the next chunk").
func PCM16LEToFloat(b []byte) (samples []float32, carry []byte) {
	n := len(b) / 2
	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(b[2*i : 2*i+2]))
		samples[i] = float32(v) / 32768.0
	}
	if len(b)%2 == 1 {
		carry = []byte{b[len(b)-1]}
	}
	return samples, carry
}

// FloatToPCM16LE converts float samples in [-1, 1] back to little-endian
// 16-bit PCM bytes, clamping out-of-range values.
func FloatToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := int16(f * 32767)
		binary.LittleEndian.PutUint16(out[2*i:2*i+2], uint16(v))
	}
	return out
}

// ResampleLinear resamples mono float samples from srcRate to dstRate
// using linear interpolation. Returns in unchanged if the rates match.
func ResampleLinear(in []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(in) == 0 {
		return in
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(in)) / ratio)
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		i0 := int(srcPos)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(srcPos - float64(i0))
		out[i] = in[i0]*(1-frac) + in[i0+1]*frac
	}
	return out
}

// RMS computes the root-mean-square energy of PCM16LE bytes, used by the
// ASR voice-activity detector (§4.6).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2]))
		sumSquares += float64(v) * float64(v)
	}
	return math.Sqrt(sumSquares / float64(n))
}
