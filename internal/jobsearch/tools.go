package jobsearch

import (
	"context"
	"fmt"

	"github.com/ashureev/jobtalk/internal/tools"
)

// Tool names.
const (
	ToolSearchJobs     = "search_jobs"
	ToolDisplayDetails = "display_job_details"
)

// Definitions returns the job search tools.
func Definitions() []tools.Definition[*Searcher] {
	return []tools.Definition[*Searcher]{
		{
			Name:        ToolSearchJobs,
			Description: "Search for jobs at Microsoft",
			Parameters: tools.Parameters{
				Type: "object",
				Properties: map[string]tools.Property{
					"query": {
						Type:        "string",
						Description: "The job search query (e.g., job title, skills, etc.)",
					},
					"country": {
						Type:        "string",
						Description: "Optional country to filter jobs by",
					},
				},
				Required: []string{"query"},
			},
			Handler: searchJobs,
		},
		{
			Name:        ToolDisplayDetails,
			Description: "Display details for a specific job by its title. Will match the closest title from current search results.",
			Parameters: tools.Parameters{
				Type: "object",
				Properties: map[string]tools.Property{
					"title": {
						Type:        "string",
						Description: "The title or partial title of the job to display",
					},
				},
				Required: []string{"title"},
			},
			Handler: displayJobDetails,
		},
	}
}

// Register adds the job search tools to reg.
func Register(reg *tools.Registry[*Searcher]) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func searchJobs(ctx context.Context, s *Searcher, args tools.Arguments) (tools.Result, error) {
	text, err := s.SearchJobs(ctx, args.String("query"), args.String("country"))
	if err != nil {
		return tools.Result{}, err
	}
	return tools.TextResult(text), nil
}

func displayJobDetails(ctx context.Context, s *Searcher, args tools.Arguments) (tools.Result, error) {
	text, err := s.FindAndDisplayJob(ctx, args.String("title"))
	if err != nil {
		return tools.Result{}, err
	}
	return tools.TextResult(text), nil
}
