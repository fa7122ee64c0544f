package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID             int64  `json:"id"`
	Stream         string `json:"stream"`
	Topic          string `json:"topic"`
	Snippet        string `json:"snippet"`
	SenderFullName string `json:"senderFullName"`
	Timestamp      int64  `json:"timestamp"`
}

// Query describes a quick-search request. Spectator queries only see
// web-public channels.
type Query struct {
	Text      string
	Stream    string // empty = all accessible channels
	Limit     int
	Offset    int
	Spectator bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message. Only messages in
// public channels are indexed; private channels never reach the index.
type MessageRecord struct {
	ID             int64  `json:"id"`
	Stream         string `json:"stream"`
	Topic          string `json:"topic"`
	Content        string `json:"content"`
	SenderFullName string `json:"senderFullName"`
	Timestamp      int64  `json:"timestamp"`
	IsWebPublic    bool   `json:"isWebPublic"`
}
