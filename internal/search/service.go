package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Searcher
	fallback Searcher
	indexer  Indexer
	pgfts    *PgFTS
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured, in which case every query goes to Postgres.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	s := &Service{fallback: pgfts, pgfts: pgfts, log: log}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// ReindexAllFromPG reads the full audit trail from Postgres and pushes it
// to Meilisearch. Called at startup and on a periodic refresh, Postgres
// itself needs no indexing call since the generated tsvector column keeps
// the fallback consistent on its own.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.indexer == nil || s.primary == nil || !s.primary.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.indexer.IndexEntries(records); err != nil {
		s.log.Error().Err(err).Msg("reindex audit entries")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
