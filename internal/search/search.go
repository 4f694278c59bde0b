package search

// AuditRecord is the data we index for an audit log entry.
type AuditRecord struct {
	ID         string `json:"id"`
	SubjectID  string `json:"subjectId"`
	ActorType  string `json:"actorType"`
	ActorID    string `json:"actorId"`
	Action     string `json:"action"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	PriorState string `json:"priorState"`
	NewState   string `json:"newState"`
	Detail     string `json:"detail"`
	CreatedAt  string `json:"createdAt"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	SubjectID  string `json:"subjectId"`
	ActorType  string `json:"actorType"`
	Action     string `json:"action"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Snippet    string `json:"snippet"`
	CreatedAt  string `json:"createdAt"`
}

// Query describes an audit search request.
type Query struct {
	Text             string
	FilterSubjectID  string
	FilterEntityType string // empty = all entity types
	Limit            int
	Offset           int
}

// Response is the envelope returned by the audit search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over the audit trail.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push audit entries into a search index.
type Indexer interface {
	IndexEntries(recs []AuditRecord) error
}
