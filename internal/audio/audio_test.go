package audio

import "testing"

func TestEncodeWAV16Header(t *testing.T) {
	pcm := []int16{100, -100, 200, -200}
	w := EncodeWAV16(pcm, 16000)
	if string(w[0:4]) != "RIFF" || string(w[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers")
	}
	if string(w[12:16]) != "fmt " || string(w[36:40]) != "data" {
		t.Fatalf("missing fmt/data chunk markers")
	}
	if len(w) != 44+len(pcm)*2 {
		t.Fatalf("unexpected total length %d", len(w))
	}
}

func TestPCM16LERoundTripAndCarry(t *testing.T) {
	orig := []float32{0.5, -0.5, 0.25}
	raw := FloatToPCM16LE(orig)
	raw = append(raw, 0x7F) // odd trailing byte

	samples, carry := PCM16LEToFloat(raw)
	if len(samples) != len(orig) {
		t.Fatalf("got %d samples, want %d", len(samples), len(orig))
	}
	if len(carry) != 1 || carry[0] != 0x7F {
		t.Fatalf("expected single-byte carry, got %v", carry)
	}
	for i := range orig {
		diff := samples[i] - orig[i]
		if diff < -0.001 || diff > 0.001 {
			t.Fatalf("sample %d: got %v want %v", i, samples[i], orig[i])
		}
	}
}

func TestResampleLinearIdentity(t *testing.T) {
	in := []float32{1, 2, 3, 4}
	out := ResampleLinear(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("identity resample changed length")
	}
}

func TestResampleLinearDownsamplesLength(t *testing.T) {
	in := make([]float32, 22050)
	out := ResampleLinear(in, 22050, 16000)
	wantApprox := 16000
	if out == nil || abs(len(out)-wantApprox) > 5 {
		t.Fatalf("got len %d, want approx %d", len(out), wantApprox)
	}
}

func TestRMSZeroForSilence(t *testing.T) {
	silence := make([]byte, 320)
	if got := RMS(silence); got != 0 {
		t.Fatalf("expected 0 RMS for silence, got %v", got)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
