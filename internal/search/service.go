package search

import (
	"context"

	"blueshot/api/internal/logger"
)

// Service is the facade that tries Meilisearch first and falls back to the
// store-backed searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Candidates returns users and groups matching q for the share dialog.
func (s *Service) Candidates(ctx context.Context, q Query) Response {
	log := logger.With("search")
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Query: q.Text}
		}
		log.Warn().Err(err).Msg("meilisearch error, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Query: q.Text}
}

// IndexIdentity indexes a user or group (fire-and-forget to Meilisearch).
func (s *Service) IndexIdentity(r Result) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIdentity(r); err != nil {
			lg := logger.With("search")
			lg.Warn().Err(err).Str("type", string(r.Type)).Str("id", r.ID).Msg("index identity")
		}
	}()
}

// ReindexAll pushes every known identity to Meilisearch. Called at startup.
func (s *Service) ReindexAll(records []Result) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	var users, groups []Result
	for _, r := range records {
		if r.Type == ResultGroup {
			groups = append(groups, r)
		} else {
			users = append(users, r)
		}
	}
	log := logger.With("search")
	if err := s.meili.IndexIdentities(ResultUser, users); err != nil {
		log.Warn().Err(err).Msg("reindex users")
	}
	if err := s.meili.IndexIdentities(ResultGroup, groups); err != nil {
		log.Warn().Err(err).Msg("reindex groups")
	}
	log.Info().Int("users", len(users)).Int("groups", len(groups)).Msg("reindexed identities")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
