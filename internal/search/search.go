package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	CharacterID   string `json:"characterId"`
	CharacterName string `json:"characterName"`
}

// Query describes a search request. Only approved guides are ever indexed
// or matched, so there is no state filter here.
type Query struct {
	Text        string
	CharacterID string
	Limit       int
	Offset      int
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

// GuideRecord is the data we index for an approved guide.
type GuideRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	CharacterID   string `json:"characterId"`
	CharacterName string `json:"characterName"`
	SubmitterName string `json:"submitterName"`
}
