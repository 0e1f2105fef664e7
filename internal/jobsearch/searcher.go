package jobsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ashureev/jobtalk/internal/uistate"
)

// SimilarityThreshold is the minimum title match ratio for display_job_details.
const SimilarityThreshold = 0.3

var (
	// ErrNoResults is returned when a title lookup runs before any search.
	ErrNoResults = errors.New("no active search results, please search for jobs first")
	// ErrNoMatch is returned when no result title is similar enough.
	ErrNoMatch = errors.New("no matching job found")
)

// API is the subset of Client used by Searcher.
type API interface {
	Search(ctx context.Context, p SearchParams) (*SearchResponse, error)
	Job(ctx context.Context, id string) (json.RawMessage, error)
}

// View is where search side effects are shown.
type View interface {
	UpdateSearch(query, country string, results []json.RawMessage, totalCount int)
	UpdateDetail(item json.RawMessage)
	GetState() uistate.Snapshot
}

// State is the persisted subset of a Searcher.
type State struct {
	SearchQuery   string          `json:"search_query,omitempty"`
	SearchCountry string          `json:"search_country,omitempty"`
	CurrentJob    json.RawMessage `json:"current_job,omitempty"`
}

// Searcher is the per-session target of the job tools.
type Searcher struct {
	api  API
	view View

	mu    sync.Mutex
	state State
}

// NewSearcher binds a searcher to a session's view.
func NewSearcher(api API, view View) *Searcher {
	return &Searcher{api: api, view: view}
}

// SearchJobs queries the API, shows the results and returns the raw
// response for the model.
func (s *Searcher) SearchJobs(ctx context.Context, query, country string) (string, error) {
	s.mu.Lock()
	s.state.SearchQuery = query
	s.state.SearchCountry = country
	s.mu.Unlock()

	resp, err := s.api.Search(ctx, NewSearchParams(query, country))
	if err != nil {
		return "", err
	}

	s.view.UpdateSearch(query, country, resp.Jobs, resp.TotalJobs)
	return string(resp.Raw), nil
}

// DisplayJob fetches a job by id and shows it in the detail view.
func (s *Searcher) DisplayJob(ctx context.Context, id string) (string, error) {
	job, err := s.api.Job(ctx, id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.state.CurrentJob = job
	s.mu.Unlock()

	s.view.UpdateDetail(job)
	return string(job), nil
}

// FindAndDisplayJob displays the current result whose title best matches title.
func (s *Searcher) FindAndDisplayJob(ctx context.Context, title string) (string, error) {
	results := s.view.GetState().Search.Results
	if len(results) == 0 {
		return "", ErrNoResults
	}

	id, ok := bestMatch(title, results)
	if !ok {
		return "", fmt.Errorf("%w for title: %s", ErrNoMatch, title)
	}
	return s.DisplayJob(ctx, id)
}

// Reset clears the searcher's own fields. The session resets the view.
func (s *Searcher) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{}
}

// State returns a copy of the persisted fields.
func (s *Searcher) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restore replaces the persisted fields.
func (s *Searcher) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

type jobSummary struct {
	Title string `json:"title"`
	JobID string `json:"jobId"`
}

func bestMatch(title string, results []json.RawMessage) (string, bool) {
	want := strings.ToLower(title)
	var bestID string
	highest := 0.0
	for _, raw := range results {
		var job jobSummary
		if err := json.Unmarshal(raw, &job); err != nil || job.JobID == "" {
			continue
		}
		ratio := similarity(want, strings.ToLower(job.Title))
		if ratio > highest {
			highest = ratio
			bestID = job.JobID
		}
	}
	if bestID == "" || highest < SimilarityThreshold {
		return "", false
	}
	return bestID, true
}
