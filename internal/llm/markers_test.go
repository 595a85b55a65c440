package llm

import (
	"strings"
	"testing"
)

func filterAll(t *testing.T, fragments []string) string {
	t.Helper()
	f := newMarkerFilter(turnMarkers)
	var out strings.Builder
	for _, frag := range fragments {
		out.WriteString(f.Feed(frag))
	}
	out.WriteString(f.Flush())
	return out.String()
}

func TestMarkerFilter_StripsCompleteMarker(t *testing.T) {
	got := filterAll(t, []string{"hello <|assistant|>world"})
	if got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

func TestMarkerFilter_StripsMarkerSplitAcrossFragments(t *testing.T) {
	// The generator is free to split a marker anywhere.
	cases := [][]string{
		{"<", "|user|>", "done"},
		{"<|us", "er|>done"},
		{"<|user", "|", ">", "done"},
		{"answer<|assi", "stant|>"},
	}
	for _, fragments := range cases {
		got := filterAll(t, fragments)
		for _, m := range turnMarkers {
			if strings.Contains(got, m) {
				t.Errorf("fragments %q: output %q still contains marker %q", fragments, got, m)
			}
		}
		if strings.ContainsAny(got, "<|>") {
			t.Errorf("fragments %q: output %q leaked marker bytes", fragments, got)
		}
	}
}

func TestMarkerFilter_FalsePrefixIsEmitted(t *testing.T) {
	// "<|up" starts like <|user|> but is not one; Flush must release it.
	got := filterAll(t, []string{"a<|up", "b"})
	if got != "a<|upb" {
		t.Errorf("expected %q, got %q", "a<|upb", got)
	}
}

func TestMarkerFilter_FlushReleasesPendingPrefix(t *testing.T) {
	f := newMarkerFilter(turnMarkers)
	emitted := f.Feed("tail<|sys")
	if emitted != "tail" {
		t.Errorf("expected held prefix, emitted %q", emitted)
	}
	if got := f.Flush(); got != "<|sys" {
		t.Errorf("expected flush to release %q, got %q", "<|sys", got)
	}
}

func TestMarkerFilter_MultipleMarkersInOneFragment(t *testing.T) {
	got := filterAll(t, []string{"<|system|>a<|user|>b<|assistant|>c"})
	if got != "abc" {
		t.Errorf("expected %q, got %q", "abc", got)
	}
}

func TestMarkerFilter_PlainTextPassesThrough(t *testing.T) {
	got := filterAll(t, []string{"plain ", "text ", "stream"})
	if got != "plain text stream" {
		t.Errorf("expected pass-through, got %q", got)
	}
}
