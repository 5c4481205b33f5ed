package reorder

import "testing"

func TestReorderPermutedNoGaps(t *testing.T) {
	b := New[int]()
	seqs := []int{2, 0, 1, 1, 3}
	var delivered []int
	for _, s := range seqs {
		delivered = append(delivered, b.Submit(s, s)...)
	}
	want := []int{0, 1, 2, 3}
	if len(delivered) != len(want) {
		t.Fatalf("got %v want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("got %v want %v", delivered, want)
		}
	}
}

func TestReorderDuplicateDropped(t *testing.T) {
	b := New[string]()
	if out := b.Submit(0, "a"); len(out) != 1 || out[0] != "a" {
		t.Fatalf("got %v", out)
	}
	if out := b.Submit(0, "a-dup"); len(out) != 0 {
		t.Fatalf("expected duplicate seq to be dropped, got %v", out)
	}
}

func TestReorderGapBlocksDelivery(t *testing.T) {
	b := New[int]()
	if out := b.Submit(1, 1); len(out) != 0 {
		t.Fatalf("expected no delivery with gap at seq 0, got %v", out)
	}
	if b.Pending() != 1 {
		t.Fatalf("expected 1 pending chunk")
	}
	out := b.Submit(0, 0)
	if len(out) != 2 || out[0] != 0 || out[1] != 1 {
		t.Fatalf("expected [0 1] once gap fills, got %v", out)
	}
}
