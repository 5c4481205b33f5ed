package ndjson

import "testing"

func TestFramingTwoObjects(t *testing.T) {
	p := New()
	var lines []string
	p.Push(`{"a":1}`+"\n"+`{"b":{"c":2}}`+"\n", func(s string) { lines = append(lines, s) })
	p.Flush(func(s string) { lines = append(lines, s) })

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != `{"a":1}` {
		t.Fatalf("got %q", lines[0])
	}
	if lines[1] != `{"b":{"c":2}}` {
		t.Fatalf("got %q", lines[1])
	}
}

func TestFramingIsStableAcrossArbitraryChunking(t *testing.T) {
	full := `{"a":1}` + "\n" + `{"b":{"c":2}}` + "\n"
	splits := [][]int{{3, 7}, {1}, {len(full)}, {0, 5, 10, 12}}
	for _, cuts := range splits {
		p := New()
		var lines []string
		prev := 0
		for _, c := range cuts {
			if c < prev || c > len(full) {
				continue
			}
			p.Push(full[prev:c], func(s string) { lines = append(lines, s) })
			prev = c
		}
		p.Push(full[prev:], func(s string) { lines = append(lines, s) })
		p.Flush(func(s string) { lines = append(lines, s) })
		if len(lines) != 2 || lines[0] != `{"a":1}` || lines[1] != `{"b":{"c":2}}` {
			t.Fatalf("split %v produced %v", cuts, lines)
		}
	}
}

func TestDataPrefixStripped(t *testing.T) {
	p := New()
	var lines []string
	p.Push(`data: {"x":1}`+"\n", func(s string) { lines = append(lines, s) })
	p.Flush(func(s string) { lines = append(lines, s) })
	if len(lines) != 1 || lines[0] != `{"x":1}` {
		t.Fatalf("got %v", lines)
	}
}

func TestDoneSentinelIgnored(t *testing.T) {
	p := New()
	var lines []string
	p.Push("data: [DONE]\n", func(s string) { lines = append(lines, s) })
	p.Flush(func(s string) { lines = append(lines, s) })
	if len(lines) != 0 {
		t.Fatalf("expected no emissions for [DONE], got %v", lines)
	}
}

func TestBraceInsideString(t *testing.T) {
	p := New()
	var lines []string
	p.Push(`{"a":"b{c}d"}`+"\n", func(s string) { lines = append(lines, s) })
	p.Flush(func(s string) { lines = append(lines, s) })
	if len(lines) != 1 || lines[0] != `{"a":"b{c}d"}` {
		t.Fatalf("got %v", lines)
	}
}
