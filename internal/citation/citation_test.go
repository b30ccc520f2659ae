package citation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/raris-stream/internal/domain"
)

var citations = []domain.Citation{
	{ChunkID: "c-1", SourceID: "src-1", SectionPath: "12 CFR §1026.19(e)", RegulatoryBody: "CFPB", AuthorityLevel: "binding", Confidence: 0.72},
	{ChunkID: "c-2", SourceID: "src-2", SectionPath: "12 CFR §1026.37", RegulatoryBody: "CFPB", AuthorityLevel: "binding", Confidence: 0.64},
	{ChunkID: "c-3", SourceID: "src-1", SectionPath: "12 CFR §1026.19(f)", RegulatoryBody: "CFPB", AuthorityLevel: "binding", Confidence: 0.91},
	{ChunkID: "c-4", SourceID: "src-3", SectionPath: "Guidance 2.1", AuthorityLevel: "advisory", Confidence: 0.4},
	{ChunkID: "c-5", SourceID: "src-1", SectionPath: "12 CFR §1026.19(e)", RegulatoryBody: "CFPB", AuthorityLevel: "binding", Confidence: 0.5},
}

func TestCorrelate_ResolvesBySourceID(t *testing.T) {
	text := "Per [src-1 §1026.19(e)] this applies."
	bindings := Correlate(text, citations)

	require.Len(t, bindings, 1)
	b := bindings[0]
	assert.Equal(t, "[src-1 §1026.19(e)]", b.Marker)
	assert.Equal(t, b.Marker, text[b.Start:b.End])
	assert.Equal(t, 4, b.Start)
	assert.Equal(t, "src-1", b.SourceID)
	assert.Equal(t, "1026.19(e)", b.Section)
	require.True(t, b.Resolved())
	assert.Equal(t, "c-1", b.Citation.ChunkID, "first citation of the source wins")
}

func TestCorrelate_EmptySetDegrades(t *testing.T) {
	text := "Per [src-1 §1026.19(e)] this applies."
	bindings := Correlate(text, nil)

	require.Len(t, bindings, 1)
	assert.False(t, bindings[0].Resolved())
	assert.Equal(t, "[src-1 §1026.19(e)]", bindings[0].Marker)
}

func TestCorrelate_SectionFallback(t *testing.T) {
	// src-9 is unknown; the locator appears in src-2's section path.
	bindings := Correlate("See [src-9 §1026.37].", citations)
	require.Len(t, bindings, 1)
	require.True(t, bindings[0].Resolved())
	assert.Equal(t, "c-2", bindings[0].Citation.ChunkID)

	// Several section paths contain "1026.19"; citation-set order decides.
	bindings = Correlate("See [src-9 §1026.19].", citations)
	require.Len(t, bindings, 1)
	assert.Equal(t, "c-1", bindings[0].Citation.ChunkID)
}

func TestCorrelate_SourceMatchBeatsEarlierSectionMatch(t *testing.T) {
	c := Resolve("src-2", "1026.19", citations)
	require.NotNil(t, c)
	assert.Equal(t, "c-2", c.ChunkID)
}

func TestCorrelate_MultipleMarkers(t *testing.T) {
	text := "A [src-1 §1026.19(e)], B [src-2 §1026.37] and C [nowhere §99] [not a marker] [x§1]."
	bindings := Correlate(text, citations)

	require.Len(t, bindings, 3)
	prevEnd := 0
	for _, b := range bindings {
		assert.GreaterOrEqual(t, b.Start, prevEnd, "bindings must not overlap")
		assert.LessOrEqual(t, b.End, len(text))
		assert.Equal(t, b.Marker, text[b.Start:b.End])
		prevEnd = b.End
	}
	assert.True(t, bindings[0].Resolved())
	assert.True(t, bindings[1].Resolved())
	assert.False(t, bindings[2].Resolved())
	assert.Equal(t, "nowhere", bindings[2].SourceID)
}

func TestCorrelate_NoMarkers(t *testing.T) {
	assert.Nil(t, Correlate("No citations here.", citations))
	assert.Nil(t, Correlate("", citations))
}

func TestSegments(t *testing.T) {
	text := "Per [src-1 §1026.19(e)] this applies [src-9 §zz]"
	bindings := Correlate(text, citations)
	segs := Segments(text, bindings)

	require.Len(t, segs, 4)
	assert.Equal(t, "Per ", segs[0].Text)
	assert.Nil(t, segs[0].Binding)
	require.NotNil(t, segs[1].Binding)
	assert.True(t, segs[1].Binding.Resolved())
	assert.Equal(t, " this applies ", segs[2].Text)
	require.NotNil(t, segs[3].Binding)
	assert.False(t, segs[3].Binding.Resolved())

	var rebuilt strings.Builder
	for _, s := range segs {
		rebuilt.WriteString(s.Text)
	}
	assert.Equal(t, text, rebuilt.String())

	assert.Equal(t, []Segment{{Text: "plain"}}, Segments("plain", nil))
}

func TestGroupCitations(t *testing.T) {
	groups := GroupCitations(citations)

	require.Len(t, groups, 3)
	assert.Equal(t, []string{"src-1", "src-2", "src-3"}, []string{groups[0].SourceID, groups[1].SourceID, groups[2].SourceID})

	src1 := groups[0]
	assert.Equal(t, []string{"12 CFR §1026.19(e)", "12 CFR §1026.19(f)"}, src1.Sections, "sections are unioned without duplicates")
	assert.Equal(t, 0.91, src1.Confidence, "maximum confidence is kept")
	assert.True(t, src1.Resolved)
}

func TestGroupBindings(t *testing.T) {
	text := "[src-1 §1026.19(e)] [src-1 §1026.19(f)] [src-2 §1026.37] [ghost §zz] [ghost §zz]"
	groups := GroupBindings(Correlate(text, citations))

	require.Len(t, groups, 3)
	assert.Equal(t, "src-1", groups[0].SourceID)
	// Both src-1 markers resolve to the first src-1 citation.
	assert.Equal(t, []string{"12 CFR §1026.19(e)"}, groups[0].Sections)
	assert.Equal(t, 0.72, groups[0].Confidence)

	ghost := groups[2]
	assert.Equal(t, "ghost", ghost.SourceID)
	assert.False(t, ghost.Resolved)
	assert.Equal(t, []string{"zz"}, ghost.Sections)
}

func TestByRegulatoryBodyAndAuthority(t *testing.T) {
	groups := GroupCitations(citations)

	bodies := ByRegulatoryBody(groups)
	require.Len(t, bodies, 2)
	assert.Equal(t, "CFPB", bodies[0].Label)
	assert.Len(t, bodies[0].Sources, 2)
	assert.Equal(t, UnknownBody, bodies[1].Label)

	levels := ByAuthority(groups)
	require.Len(t, levels, 2)
	assert.Equal(t, "binding", levels[0].Label)
	assert.Equal(t, "advisory", levels[1].Label)
	assert.Equal(t, "src-3", levels[1].Sources[0].SourceID)
}

func TestFind(t *testing.T) {
	c := Find(citations, "src-1", "12 CFR §1026.19(f)")
	require.NotNil(t, c)
	assert.Equal(t, "c-3", c.ChunkID)
	assert.Nil(t, Find(citations, "src-2", "12 CFR §1026.19(f)"))
}
