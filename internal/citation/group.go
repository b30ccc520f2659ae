package citation

import "github.com/tjfontaine/raris-stream/internal/domain"

// UnknownBody labels sources without a regulatory body.
const UnknownBody = "Unknown"

// UnknownAuthority labels sources without an authority level.
const UnknownAuthority = "unknown"

// SourceGroup collapses every citation of one source.
type SourceGroup struct {
	SourceID       string
	DocumentTitle  string
	RegulatoryBody string
	AuthorityLevel string
	Jurisdiction   string
	// Sections are the distinct section paths, in first-appearance order.
	Sections []string
	// Confidence is the maximum confidence seen for the source.
	Confidence float64
	// Resolved is false when the group was built only from unresolved markers.
	Resolved bool
}

type grouper struct {
	order  []string
	groups map[string]*SourceGroup
}

func newGrouper() *grouper {
	return &grouper{groups: make(map[string]*SourceGroup)}
}

func (g *grouper) add(sourceID, section string, c *domain.Citation) {
	grp, ok := g.groups[sourceID]
	if !ok {
		grp = &SourceGroup{SourceID: sourceID}
		g.groups[sourceID] = grp
		g.order = append(g.order, sourceID)
	}

	if c != nil {
		if !grp.Resolved {
			grp.DocumentTitle = c.DocumentTitle
			grp.RegulatoryBody = c.RegulatoryBody
			grp.AuthorityLevel = c.AuthorityLevel
			grp.Jurisdiction = c.Jurisdiction
			grp.Confidence = c.Confidence
			grp.Resolved = true
		} else if c.Confidence > grp.Confidence {
			grp.Confidence = c.Confidence
		}
	}

	if section == "" {
		return
	}
	for _, s := range grp.Sections {
		if s == section {
			return
		}
	}
	grp.Sections = append(grp.Sections, section)
}

func (g *grouper) result() []SourceGroup {
	out := make([]SourceGroup, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.groups[id])
	}
	return out
}

// GroupCitations collapses citations sharing a source id, in first-appearance order.
func GroupCitations(citations []domain.Citation) []SourceGroup {
	g := newGrouper()
	for i := range citations {
		c := &citations[i]
		g.add(c.SourceID, c.SectionPath, c)
	}
	return g.result()
}

// GroupBindings collapses bindings sharing a source id. A resolved binding
// is grouped under its citation's source and section path; an unresolved
// one under the marker's own source and section.
func GroupBindings(bindings []Binding) []SourceGroup {
	g := newGrouper()
	for _, b := range bindings {
		if b.Citation != nil {
			g.add(b.Citation.SourceID, b.Citation.SectionPath, b.Citation)
			continue
		}
		g.add(b.SourceID, b.Section, nil)
	}
	return g.result()
}

// Bucket is a labelled list of source groups.
type Bucket struct {
	Label   string
	Sources []SourceGroup
}

// ByRegulatoryBody buckets groups by regulatory body, in first-appearance order.
func ByRegulatoryBody(groups []SourceGroup) []Bucket {
	return bucket(groups, func(g SourceGroup) string {
		if g.RegulatoryBody == "" {
			return UnknownBody
		}
		return g.RegulatoryBody
	})
}

// ByAuthority buckets groups by authority level, in first-appearance order.
func ByAuthority(groups []SourceGroup) []Bucket {
	return bucket(groups, func(g SourceGroup) string {
		if g.AuthorityLevel == "" {
			return UnknownAuthority
		}
		return g.AuthorityLevel
	})
}

func bucket(groups []SourceGroup, label func(SourceGroup) string) []Bucket {
	var out []Bucket
	index := make(map[string]int)
	for _, g := range groups {
		l := label(g)
		i, ok := index[l]
		if !ok {
			i = len(out)
			index[l] = i
			out = append(out, Bucket{Label: l})
		}
		out[i].Sources = append(out[i].Sources, g)
	}
	return out
}
