package roster

import (
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/andresmejia3/rollcall/internal/recognizer"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Entry is one enrolled student as seen by the matcher.
type Entry struct {
	StudentID  string
	Name       string
	Descriptor []float32
}

// Snapshot is an immutable view of a course roster. Descriptors are stored L2-normalized.
type Snapshot struct {
	CourseID string
	ids      []string
	names    map[string]string
	vecs     map[string][]float32
}

// NewSnapshot copies entries into a snapshot. Later duplicates of a student id are ignored.
func NewSnapshot(courseID string, entries []Entry) *Snapshot {
	s := &Snapshot{
		CourseID: courseID,
		names:    make(map[string]string, len(entries)),
		vecs:     make(map[string][]float32, len(entries)),
	}
	for _, e := range entries {
		if e.StudentID == "" {
			continue
		}
		if _, dup := s.vecs[e.StudentID]; dup {
			continue
		}
		s.ids = append(s.ids, e.StudentID)
		s.names[e.StudentID] = e.Name
		s.vecs[e.StudentID] = recognizer.Normalize(e.Descriptor)
	}
	sort.Strings(s.ids)
	return s
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the student ids in sorted order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.ids...)
}

// Name returns the display name, falling back to the id.
func (s *Snapshot) Name(id string) string {
	if s != nil {
		if n := s.names[id]; n != "" {
			return n
		}
	}
	return id
}

// Search returns ids whose name or id contains query, ignoring case and diacritics.
func (s *Snapshot) Search(query string) []string {
	if s == nil {
		return nil
	}
	q := FoldName(query)
	var out []string
	for _, id := range s.ids {
		if strings.Contains(FoldName(s.names[id]), q) || strings.Contains(FoldName(id), q) {
			out = append(out, id)
		}
	}
	return out
}

// FoldName lowercases a name and strips diacritical marks ("Jiří" -> "jiri").
func FoldName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, name)
	if err != nil {
		out = name
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// Result is the outcome of matching one descriptor against a snapshot.
type Result struct {
	StudentID  string // empty when rejected
	Distance   float64
	Similarity float64
	Matched    bool
}

// Match finds the nearest enrolled descriptor by cosine distance. It accepts the best
// candidate only if it is within threshold and beats the runner-up by at least margin.
func Match(s *Snapshot, q []float32, threshold, margin float64) Result {
	if s.Len() == 0 {
		return Result{Distance: 1}
	}

	bestID := ""
	best, runnerUp := math.Inf(1), math.Inf(1)
	for _, id := range s.ids {
		d := 1 - recognizer.CosineSimilarity(q, s.vecs[id])
		if d < best {
			runnerUp = best
			best = d
			bestID = id
		} else if d < runnerUp {
			runnerUp = d
		}
	}

	if best <= threshold && runnerUp-best >= margin {
		return Result{StudentID: bestID, Distance: best, Similarity: 1 - best, Matched: true}
	}
	d := math.Min(best, 1)
	return Result{Distance: d, Similarity: 1 - d}
}

// Holder publishes the current snapshot to the frame loop. Readers take one snapshot per frame.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

func (h *Holder) Load() *Snapshot   { return h.p.Load() }
func (h *Holder) Store(s *Snapshot) { h.p.Store(s) }
func (h *Holder) Clear()            { h.p.Store(nil) }
