package search

import (
	"context"
)

// ResultType identifies the kind of identity in a search result.
type ResultType string

const (
	ResultUser  ResultType = "user"
	ResultGroup ResultType = "group"
)

// Result is a single share dialog candidate. It doubles as the record pushed
// into the search index.
type Result struct {
	Type  ResultType `json:"type"`
	ID    string     `json:"id"`
	Email string     `json:"email,omitempty"`
	Name  string     `json:"name"`
}

// Query describes a candidate lookup.
type Query struct {
	Text       string
	FilterType ResultType // empty = users and groups
	Limit      int
}

// PageSize is Limit clamped to 1..50, defaulting to 10.
func (q Query) PageSize() int {
	if q.Limit <= 0 || q.Limit > 50 {
		return 10
	}
	return q.Limit
}

// Response is the envelope returned by the candidates endpoint.
type Response struct {
	Results []Result `json:"results"`
	Query   string   `json:"query"`
}

// Searcher can look up identities by free text.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// SearcherFunc adapts a plain function into an always-healthy Searcher.
type SearcherFunc func(ctx context.Context, q Query) ([]Result, error)

func (f SearcherFunc) Search(ctx context.Context, q Query) ([]Result, error) {
	return f(ctx, q)
}

func (f SearcherFunc) Healthy() bool { return true }
