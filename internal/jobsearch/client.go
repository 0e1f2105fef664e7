// Package jobsearch implements the job search tools against the careers API.
package jobsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrAPI wraps every careers API failure.
var ErrAPI = errors.New("careers api request failed")

// DefaultPageSize is the number of jobs requested per search.
const DefaultPageSize = 20

// SearchParams are the query parameters of a careers search.
type SearchParams struct {
	Query    string
	Country  string
	Language string
	Page     int
	PageSize int
	OrderBy  string
	Filter   bool
}

// NewSearchParams returns params with the API defaults filled in.
func NewSearchParams(query, country string) SearchParams {
	return SearchParams{
		Query:    query,
		Country:  country,
		Language: "en_us",
		Page:     1,
		PageSize: DefaultPageSize,
		OrderBy:  "Relevance",
		Filter:   true,
	}
}

func (p SearchParams) values() map[string]string {
	v := map[string]string{
		"q":    p.Query,
		"l":    p.Language,
		"pg":   strconv.Itoa(p.Page),
		"pgSz": strconv.Itoa(p.PageSize),
		"o":    p.OrderBy,
		"flt":  strconv.FormatBool(p.Filter),
	}
	if p.Country != "" {
		v["lc"] = p.Country
	}
	return v
}

// SearchResponse is a decoded search result. Raw is the full response body.
type SearchResponse struct {
	Raw       json.RawMessage
	Jobs      []json.RawMessage
	TotalJobs int
}

type envelope struct {
	OperationResult struct {
		Result json.RawMessage `json:"result"`
	} `json:"operationResult"`
}

// Client talks to the careers search API.
type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetRetryCount(2)
	c.SetRetryWaitTime(200 * time.Millisecond)
	c.SetRetryMaxWaitTime(2 * time.Second)
	c.SetHeader("Accept", "application/json")

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    c,
	}
}

// Search runs a job search.
func (c *Client) Search(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	body, err := c.get(ctx, c.baseURL+"/search", p.values())
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %v", ErrAPI, err)
	}

	var result struct {
		Jobs      []json.RawMessage `json:"jobs"`
		TotalJobs int               `json:"totalJobs"`
	}
	if len(env.OperationResult.Result) > 0 {
		if err := json.Unmarshal(env.OperationResult.Result, &result); err != nil {
			return nil, fmt.Errorf("%w: decode search result: %v", ErrAPI, err)
		}
	}

	return &SearchResponse{
		Raw:       body,
		Jobs:      result.Jobs,
		TotalJobs: result.TotalJobs,
	}, nil
}

// Job fetches the detail document of one job.
func (c *Client) Job(ctx context.Context, id string) (json.RawMessage, error) {
	body, err := c.get(ctx, c.baseURL+"/job/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode job response: %v", ErrAPI, err)
	}
	if len(env.OperationResult.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return env.OperationResult.Result, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query map[string]string) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPI, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s returned %s", ErrAPI, endpoint, resp.Status())
	}
	return resp.Body(), nil
}
