package llm

import "strings"

// turnMarkers lists the role markers models are known to leak into their
// output. The worker suppresses them so turn-boundary control tokens never
// reach the visible stream.
var turnMarkers = []string{
	"<|user|>",
	"<|assistant|>",
	"<|system|>",
}

// markerFilter removes turn markers from a fragment stream. The generator
// may split a marker across fragments, so the filter holds back any trailing
// text that is a prefix of a known marker until the next fragment (or the
// end of the stream) disambiguates it. False prefixes are re-emitted as
// literal text.
type markerFilter struct {
	markers []string
	buf     string
}

func newMarkerFilter(markers []string) *markerFilter {
	return &markerFilter{markers: markers}
}

// Feed appends a fragment and returns the text that is now safe to forward.
func (f *markerFilter) Feed(fragment string) string {
	f.buf += fragment

	var out strings.Builder
	for {
		idx, marker := f.earliestMarker()
		if idx < 0 {
			break
		}
		out.WriteString(f.buf[:idx])
		f.buf = f.buf[idx+len(marker):]
	}

	hold := f.pendingPrefixLen()
	out.WriteString(f.buf[:len(f.buf)-hold])
	f.buf = f.buf[len(f.buf)-hold:]
	return out.String()
}

// Flush returns whatever is still held back. Called at end of stream, where
// a partial prefix can no longer become a marker.
func (f *markerFilter) Flush() string {
	out := f.buf
	f.buf = ""
	return out
}

// earliestMarker finds the leftmost complete marker in the buffer.
func (f *markerFilter) earliestMarker() (int, string) {
	best := -1
	var found string
	for _, m := range f.markers {
		if idx := strings.Index(f.buf, m); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			found = m
		}
	}
	return best, found
}

// pendingPrefixLen returns the length of the longest buffer suffix that is a
// proper prefix of some marker.
func (f *markerFilter) pendingPrefixLen() int {
	maxHold := len(f.buf)
	for k := maxHold; k > 0; k-- {
		suffix := f.buf[len(f.buf)-k:]
		for _, m := range f.markers {
			if len(suffix) < len(m) && strings.HasPrefix(m, suffix) {
				return k
			}
		}
	}
	return 0
}
