package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"blueshot/api/internal/logger"
)

const (
	idxUsers  = "blueshot_users"
	idxGroups = "blueshot_user_groups"
)

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Searcher over the Meilisearch identity indexes.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable
// server leaves the client unhealthy; the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	return newMeili(url, apiKey, 10*time.Second)
}

func newMeili(url, apiKey string, healthEvery time.Duration) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		lg := logger.With("search")
		lg.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop(healthEvery)
	return m
}

func (m *Meili) configureIndexes() {
	log := logger.With("search")
	indexes := []struct {
		uid        string
		searchable []string
	}{
		{uid: idxUsers, searchable: []string{"name", "email"}},
		{uid: idxGroups, searchable: []string{"name"}},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := []interface{}{"type"}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				lg := logger.With("search")
				lg.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the user and group indexes and merges the hits, users first.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, errUnhealthy
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	var queries []*meili.SearchRequest
	for _, ti := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxUsers, ResultUser},
		{idxGroups, ResultGroup},
	} {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID: ti.uid,
			Query:    q.Text,
			Limit:    int64(q.PageSize()),
		})
	}
	if len(queries) == 0 {
		return nil, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	for _, sr := range resp.Results {
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	if len(results) > q.PageSize() {
		results = results[:q.PageSize()]
	}
	return results, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxUsers:
		return ResultUser
	case idxGroups:
		return ResultGroup
	default:
		return ""
	}
}

func indexFor(t ResultType) string {
	if t == ResultGroup {
		return idxGroups
	}
	return idxUsers
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	return Result{
		Type:  rtyp,
		ID:    decodeString(hit, "id"),
		Email: decodeString(hit, "email"),
		Name:  decodeString(hit, "name"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexIdentity adds or updates a user or group in its index.
func (m *Meili) IndexIdentity(r Result) error {
	_, err := m.client.Index(indexFor(r.Type)).AddDocuments([]Result{r}, nil)
	return err
}

// IndexIdentities bulk-indexes records of one type.
func (m *Meili) IndexIdentities(t ResultType, records []Result) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(indexFor(t)).AddDocuments(records, nil)
	return err
}
