// Package search indexes chat messages for full-text lookup. Indexing is
// best-effort: the realtime stream is authoritative and never blocks on it.
package search

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Sender    string `json:"sender"`
	Snippet   string `json:"snippet"`
	CreatedAt int64  `json:"createdAt"`
}

// Query describes a search request, always scoped to one session.
type Query struct {
	Text      string
	SessionID string
	Limit     int
	Offset    int
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

// Indexer can push messages into a search index. Deleting a message also
// deletes its index entry so tombstoned text cannot surface in results.
type Indexer interface {
	IndexMessage(rec MessageRecord) error
	DeleteMessage(id string) error
}

// Noop satisfies both interfaces when no search backend is configured.
type Noop struct{}

func (Noop) Search(Query) ([]Result, int, error) { return nil, 0, nil }
func (Noop) Healthy() bool                       { return false }
func (Noop) IndexMessage(MessageRecord) error    { return nil }
func (Noop) DeleteMessage(string) error          { return nil }
