// Package refscan scans build output for store paths it references:
// substrings matching one of a known set of candidate store path hashes.
// No multi-pattern string-matching library (Wu-Manber, Aho-Corasick, ...)
// appears anywhere in the corpus this module was built from, so the
// matcher here is hand-rolled on top of the standard library: candidates
// are grouped by length, and each group is probed with bytes.Contains,
// which is enough since real store-path hashes are all the same fixed
// length (nixbase32, 20 bytes) — the common case is one length group.
package refscan

import (
	"bytes"
	"io"
	"sort"
)

// Pattern is a primed set of candidate byte strings to scan for. It is
// built once and can be reused across many Scanners, since grouping
// candidates by length is the only preprocessing step.
type Pattern struct {
	candidates       [][]byte
	indexByCandidate map[string]int
	byLength         map[int][][]byte
	longestCandidate int
}

// NewPattern groups candidates by length for scanning.
func NewPattern(candidates [][]byte) *Pattern {
	p := &Pattern{
		candidates:       candidates,
		indexByCandidate: make(map[string]int, len(candidates)),
		byLength:         map[int][][]byte{},
	}
	for i, c := range candidates {
		p.indexByCandidate[string(c)] = i
		p.byLength[len(c)] = append(p.byLength[len(c)], c)
		if len(c) > p.longestCandidate {
			p.longestCandidate = len(c)
		}
	}
	return p
}

// Candidates returns the full candidate list, in the order passed to
// NewPattern.
func (p *Pattern) Candidates() [][]byte { return p.candidates }

// LongestCandidate returns the length of the longest candidate pattern,
// used to size read buffers so no match can fall entirely between two
// reads.
func (p *Pattern) LongestCandidate() int { return p.longestCandidate }

// Scanner accumulates non-overlapping matches of a Pattern's candidates
// across one or more calls to Scan.
type Scanner struct {
	pattern *Pattern
	matched map[int]bool
}

// NewScanner primes a Scanner for the given candidate patterns.
func NewScanner(pattern *Pattern) *Scanner {
	return &Scanner{pattern: pattern, matched: map[int]bool{}}
}

// Scan searches haystack for every candidate pattern's bytes, recording
// which ones occur. Safe to call repeatedly on successive chunks of a
// larger stream, as long as each chunk overlaps the previous one by at
// least LongestCandidate()-1 bytes (see Reader, which handles this).
func (s *Scanner) Scan(haystack []byte) {
	for length, candidates := range s.pattern.byLength {
		if len(haystack) < length {
			continue
		}
		for _, c := range candidates {
			idx := s.pattern.indexByCandidate[string(c)]
			if s.matched[idx] {
				continue
			}
			if bytes.Contains(haystack, c) {
				s.matched[idx] = true
			}
		}
	}
}

// Matches reports, per candidate (in NewPattern's input order), whether
// it was found by any Scan call so far.
func (s *Scanner) Matches() []bool {
	out := make([]bool, len(s.pattern.candidates))
	for idx, ok := range s.matched {
		if ok {
			out[idx] = true
		}
	}
	return out
}

// Finalize returns the matched candidates, deduplicated and sorted.
func (s *Scanner) Finalize() [][]byte {
	matches := s.Matches()
	var out [][]byte
	for i, m := range matches {
		if m {
			out = append(out, s.pattern.candidates[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

const defaultBufSize = 8 * 1024

// Reader wraps an io.Reader, scanning everything read through it for
// Pattern matches. Each read keeps the final LongestCandidate()-1 bytes
// of the stream read so far prepended to the scan input, so a match
// straddling Read calls is never missed, however short the reads.
type Reader struct {
	scanner *Scanner
	r       io.Reader
	tail    []byte
	overlap int
}

// NewReader wraps r, scanning its content for pattern's candidates as it
// is read.
func NewReader(pattern *Pattern, r io.Reader) *Reader {
	return NewReaderWithScanner(NewScanner(pattern), r)
}

// NewReaderWithScanner wraps r like NewReader, but accumulates matches
// into an existing Scanner instead of a fresh one. Used to scan many
// readers (e.g. every file of one build output) into a single combined
// match set.
func NewReaderWithScanner(scanner *Scanner, r io.Reader) *Reader {
	overlap := scanner.pattern.LongestCandidate() - 1
	if overlap < 0 {
		overlap = 0
	}
	return &Reader{
		scanner: scanner,
		r:       r,
		overlap: overlap,
	}
}

// Read implements io.Reader, passing bytes through unchanged while
// feeding them, plus the trailing overlap from the previous chunk, to
// the scanner.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		data := p[:n]
		if len(r.tail) > 0 {
			combined := make([]byte, 0, len(r.tail)+n)
			combined = append(combined, r.tail...)
			combined = append(combined, p[:n]...)
			data = combined
		}
		r.scanner.Scan(data)

		if r.overlap > 0 {
			keep := data
			if len(keep) > r.overlap {
				keep = keep[len(keep)-r.overlap:]
			}
			r.tail = append(r.tail[:0], keep...)
		}
	}
	return n, err
}

// Finalize returns the matched candidates seen so far, deduplicated and
// sorted. Safe to call mid-stream, though a match straddling
// not-yet-read data won't be found until that data is read.
func (r *Reader) Finalize() [][]byte {
	return r.scanner.Finalize()
}
