package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultHistory  ResultType = "history"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type           ResultType `json:"type"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	DocumentID     string     `json:"documentId"`
	OrganizationID string     `json:"organizationId"`
	Status         string     `json:"status,omitempty"`
}

// Query describes a search request. OrganizationID is always set by the
// handler so a tenant never sees another tenant's hits.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	OrganizationID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexHistory(h HistoryRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	DocumentType   string `json:"documentType"`
	OrganizationID string `json:"organizationId"`
	Status         string `json:"status"`
}

// HistoryRecord is the data we index for a workflow history row.
type HistoryRecord struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	Note           string `json:"note"`
	Actor          string `json:"actor"`
	DocumentID     string `json:"documentId"`
	OrganizationID string `json:"organizationId"`
}
