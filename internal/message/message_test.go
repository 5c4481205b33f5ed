package message

import "testing"

func TestExtractPrecedence(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"text wins", map[string]any{"text": "a", "value": "b"}, "a"},
		{"value over content", map[string]any{"value": "b", "content": "c"}, "b"},
		{"content over data", map[string]any{"content": "c", "data": "d"}, "c"},
		{"data alone", map[string]any{"data": "d"}, "d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract(tc.in)
			if got.Text != tc.want {
				t.Fatalf("got %q want %q", got.Text, tc.want)
			}
		})
	}
}

func TestExtractStringPayload(t *testing.T) {
	got := Extract("hello")
	if got.Text != "hello" {
		t.Fatalf("got %q", got.Text)
	}
}

func TestExtractStringifiesUnknownShape(t *testing.T) {
	got := Extract(map[string]any{"other": 1})
	if got.Text == "" {
		t.Fatalf("expected stringified fallback, got empty")
	}
}
