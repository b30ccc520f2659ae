package raris

import (
	"github.com/tjfontaine/raris-stream/internal/answer"
	"github.com/tjfontaine/raris-stream/internal/citation"
	"github.com/tjfontaine/raris-stream/internal/domain"
	"github.com/tjfontaine/raris-stream/internal/progress"
)

// Geographic scopes accepted by manifest generation.
const (
	GeoScopeNational  = "national"
	GeoScopeState     = "state"
	GeoScopeMunicipal = "municipal"
)

// GenerateRequest starts a discovery run.
type GenerateRequest struct {
	DomainDescription string   `json:"domain_description"`
	LLMProvider       string   `json:"llm_provider,omitempty"`
	KDepth            int      `json:"k_depth,omitempty"`
	GeoScope          string   `json:"geo_scope,omitempty"`
	TargetSegments    []string `json:"target_segments,omitempty"`
}

// GenerateResponse is returned when a discovery run is accepted.
type GenerateResponse struct {
	ManifestID string `json:"manifest_id"`
	Status     string `json:"status"`
	// StreamURL is the push channel of the run, rooted at the API host.
	StreamURL string `json:"stream_url"`
}

// CorpusStats summarizes the indexed corpus.
type CorpusStats struct {
	TotalDocuments   int            `json:"total_documents"`
	IndexedDocuments int            `json:"indexed_documents"`
	TotalChunks      int            `json:"total_chunks"`
	IndexedChunks    int            `json:"indexed_chunks"`
	ByJurisdiction   map[string]int `json:"by_jurisdiction"`
	ByDocumentType   map[string]int `json:"by_document_type"`
	ByRegulatoryBody map[string]int `json:"by_regulatory_body"`
}

// Answer is a finished answer exchange with its citations correlated.
type Answer struct {
	State answer.State
	// Bindings, Sources and ByBody are empty unless the exchange completed.
	Bindings []citation.Binding
	Sources  []citation.SourceGroup
	ByBody   []citation.Bucket
}

// Result returns the terminal payload, nil if the exchange did not complete.
func (a *Answer) Result() *domain.AnswerResult {
	return a.State.Result
}

// Segments splits the final text into plain and marker runs.
func (a *Answer) Segments() []citation.Segment {
	return citation.Segments(a.State.Text, a.Bindings)
}

// Correlate builds an Answer from a reconciled state. Citations are bound
// only against the terminal text.
func Correlate(st answer.State) *Answer {
	a := &Answer{State: st}
	if st.Result == nil {
		return a
	}
	a.Bindings = citation.Correlate(st.Result.Response, st.Result.Citations)
	a.Sources = citation.GroupCitations(st.Result.Citations)
	a.ByBody = citation.ByRegulatoryBody(a.Sources)
	return a
}

// WorkflowRequest pairs a discovery watch with an answer exchange.
type WorkflowRequest struct {
	// StreamURL of a discovery run already started.
	StreamURL string
	Query     domain.QueryRequest
}

// WorkflowResult carries the outcome of both exchanges, including partial
// state when one of them failed.
type WorkflowResult struct {
	Discovery progress.Snapshot
	Answer    *Answer
}
