// Package transcript merges interim and final transcription fragments into
// a stable transcript view.
package transcript

import "strings"

// Kind distinguishes provisional from committed fragments.
type Kind int

const (
	Interim Kind = iota
	Final
)

func (k Kind) String() string {
	if k == Final {
		return "final"
	}
	return "interim"
}

// Fragment is one transcription result from the provider.
type Fragment struct {
	Kind       Kind
	Text       string
	Confidence float64
	// Generation identifies the provider stream; Seq is the provider's
	// sequence number within it. A zero Seq is never deduplicated.
	Generation int
	Seq        int
}

// Buffer is an immutable transcript value: finalized text is append-only
// and at most one interim fragment is pending.
type Buffer struct {
	finals  []string
	pending string
	lastGen int
	lastSeq int
}

// Apply returns the buffer with f merged in. An interim fragment replaces
// the pending text; a final fragment is appended and clears it. A final
// fragment already applied for its stream is ignored.
func Apply(b Buffer, f Fragment) Buffer {
	text := strings.TrimSpace(f.Text)
	if f.Kind == Interim {
		b.pending = text
		return b
	}
	if f.Seq > 0 && f.Generation == b.lastGen && f.Seq <= b.lastSeq {
		return b
	}
	if f.Seq > 0 {
		b.lastGen, b.lastSeq = f.Generation, f.Seq
	}
	b.pending = ""
	if text == "" {
		return b
	}
	finals := make([]string, len(b.finals), len(b.finals)+1)
	copy(finals, b.finals)
	b.finals = append(finals, text)
	return b
}

// FinalText returns only the finalized transcript.
func (b Buffer) FinalText() string {
	return strings.Join(b.finals, " ")
}

// Text returns the finalized transcript followed by any pending text.
func (b Buffer) Text() string {
	final := b.FinalText()
	switch {
	case b.pending == "":
		return final
	case final == "":
		return b.pending
	default:
		return final + " " + b.pending
	}
}

// Pending returns the current interim text.
func (b Buffer) Pending() string {
	return b.pending
}

// Finals returns the number of finalized fragments.
func (b Buffer) Finals() int {
	return len(b.finals)
}
