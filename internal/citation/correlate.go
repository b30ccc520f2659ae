// Package citation binds the inline citation markers of a final answer to
// the answer's structured citation set.
//
// Markers have the shape "[<source id> §<section>]". Resolution failure is
// expected and never an error: an unresolved marker still yields a binding,
// with a nil Citation, so it renders as plain marker text.
package citation

import (
	"regexp"
	"strings"

	"github.com/tjfontaine/raris-stream/internal/domain"
)

var markerPattern = regexp.MustCompile(`\[([^\]]+?)\s+§([^\]]+)\]`)

// Binding ties one marker occurrence to the citation it resolves to.
// Start and End are byte offsets into the answer text; text[Start:End] == Marker.
type Binding struct {
	Start    int
	End      int
	Marker   string
	SourceID string
	Section  string
	// Citation is nil when the marker did not resolve.
	Citation *domain.Citation
}

// Resolved reports whether the marker matched a citation.
func (b Binding) Resolved() bool {
	return b.Citation != nil
}

// Correlate scans text for markers, leftmost first and non-overlapping, and
// resolves each against citations. Run it on the final answer text only;
// streamed partial text can end inside a marker.
func Correlate(text string, citations []domain.Citation) []Binding {
	matches := markerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	bindings := make([]Binding, 0, len(matches))
	for _, m := range matches {
		sourceID := strings.TrimSpace(text[m[2]:m[3]])
		section := strings.TrimSpace(text[m[4]:m[5]])
		bindings = append(bindings, Binding{
			Start:    m[0],
			End:      m[1],
			Marker:   text[m[0]:m[1]],
			SourceID: sourceID,
			Section:  section,
			Citation: Resolve(sourceID, section, citations),
		})
	}
	return bindings
}

// Resolve returns the citation a marker refers to: the first citation whose
// source id equals sourceID, otherwise the first whose section path contains
// section. Order is citation-set order. When several section paths contain
// the locator the first one wins, which is a heuristic rather than an exact match.
func Resolve(sourceID, section string, citations []domain.Citation) *domain.Citation {
	if sourceID != "" {
		for i := range citations {
			if citations[i].SourceID == sourceID {
				return &citations[i]
			}
		}
	}
	if section != "" {
		for i := range citations {
			if strings.Contains(citations[i].SectionPath, section) {
				return &citations[i]
			}
		}
	}
	return nil
}

// Find returns the citation with exactly sourceID and sectionPath, or nil.
func Find(citations []domain.Citation, sourceID, sectionPath string) *domain.Citation {
	for i := range citations {
		if citations[i].SourceID == sourceID && citations[i].SectionPath == sectionPath {
			return &citations[i]
		}
	}
	return nil
}

// Segment is a run of answer text: plain text when Binding is nil, a marker otherwise.
type Segment struct {
	Text    string
	Binding *Binding
}

// Segments splits text into plain and marker segments in order. bindings
// must come from Correlate on the same text.
func Segments(text string, bindings []Binding) []Segment {
	var (
		out  []Segment
		last int
	)
	for i := range bindings {
		b := &bindings[i]
		if b.Start < last || b.End > len(text) {
			continue
		}
		if b.Start > last {
			out = append(out, Segment{Text: text[last:b.Start]})
		}
		out = append(out, Segment{Text: text[b.Start:b.End], Binding: b})
		last = b.End
	}
	if last < len(text) {
		out = append(out, Segment{Text: text[last:]})
	}
	return out
}
