package domain

// Citation identifies the chunk of a source document an answer relies on.
// Supplied whole by a terminal answer payload or a citation lookup; read-only downstream.
type Citation struct {
	ChunkID        string  `json:"chunk_id"`
	ChunkText      string  `json:"chunk_text,omitempty"`
	SectionPath    string  `json:"section_path"`
	DocumentID     string  `json:"document_id,omitempty"`
	DocumentTitle  string  `json:"document_title,omitempty"`
	SourceID       string  `json:"source_id"`
	SourceURL      string  `json:"source_url,omitempty"`
	RegulatoryBody string  `json:"regulatory_body,omitempty"`
	Jurisdiction   string  `json:"jurisdiction,omitempty"`
	AuthorityLevel string  `json:"authority_level,omitempty"`
	ManifestID     string  `json:"manifest_id,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// SearchFilters narrows retrieval to a subset of the corpus.
type SearchFilters struct {
	Jurisdiction   []string `json:"jurisdiction,omitempty"`
	DocumentType   []string `json:"document_type,omitempty"`
	RegulatoryBody []string `json:"regulatory_body,omitempty"`
	AuthorityLevel []string `json:"authority_level,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// DepthLevel describes one of the answer depth presets.
type DepthLevel struct {
	Value       int
	Name        string
	Description string
}

// DepthLevels lists the supported depths, shallowest first.
var DepthLevels = []DepthLevel{
	{Value: 1, Name: "Quick Check", Description: "Yes/no with top citation"},
	{Value: 2, Name: "Summary", Description: "Key points with citations"},
	{Value: 3, Name: "Analysis", Description: "Detailed analysis with full chains"},
	{Value: 4, Name: "Exhaustive", Description: "Comprehensive regulatory audit"},
}

const (
	MinDepth     = 1
	MaxDepth     = 4
	DefaultDepth = 2
)

// DepthName returns the display name for depth, or "" if out of range.
func DepthName(depth int) string {
	for _, l := range DepthLevels {
		if l.Value == depth {
			return l.Name
		}
	}
	return ""
}

// QueryRequest is the payload of both the streaming and the synchronous query calls.
type QueryRequest struct {
	Query   string         `json:"query"`
	Depth   int            `json:"depth"`
	Filters *SearchFilters `json:"filters,omitempty"`
}

// Normalize clamps Depth into [MinDepth, MaxDepth], defaulting an unset depth.
func (r QueryRequest) Normalize() QueryRequest {
	switch {
	case r.Depth == 0:
		r.Depth = DefaultDepth
	case r.Depth < MinDepth:
		r.Depth = MinDepth
	case r.Depth > MaxDepth:
		r.Depth = MaxDepth
	}
	return r
}

// AnswerResult is the terminal payload of an answer stream. Its Response is the
// authoritative answer text.
type AnswerResult struct {
	QueryID      string     `json:"query_id"`
	Response     string     `json:"response"`
	Citations    []Citation `json:"citations"`
	SourcesCount int        `json:"sources_count"`
	TokenCount   int        `json:"token_count"`

	// TokenCountEstimated is set when TokenCount was computed locally.
	TokenCountEstimated bool `json:"-"`
}

// QueryResponse is the result of a synchronous query or a query lookup.
type QueryResponse struct {
	QueryID      string     `json:"query_id"`
	Query        string     `json:"query"`
	Depth        int        `json:"depth"`
	DepthName    string     `json:"depth_name"`
	ResponseText string     `json:"response_text"`
	Citations    []Citation `json:"citations"`
	SourcesCount int        `json:"sources_count"`
	TokenCount   int        `json:"token_count"`
}

// AnswerResult converts a stored query response into the terminal-payload shape.
func (q *QueryResponse) AnswerResult() *AnswerResult {
	return &AnswerResult{
		QueryID:      q.QueryID,
		Response:     q.ResponseText,
		Citations:    q.Citations,
		SourcesCount: q.SourcesCount,
		TokenCount:   q.TokenCount,
	}
}
