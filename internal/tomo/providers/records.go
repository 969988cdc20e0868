package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdobrica/Tomo/common/retry"
	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

// Records talks to the records search service. The search backend sheds
// load under pressure, so lookups retry transient failures with backoff
// before giving up. Routed executor for the records category.
type Records struct {
	client *client
	retry  retry.Config
}

// RecordsConfig configures the records provider.
type RecordsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewRecords creates a records provider.
func NewRecords(cfg RecordsConfig) *Records {
	return &Records{
		client: newClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			ShouldRetry: func(err error) bool {
				var perr *Error
				return errors.As(err, &perr) && perr.Transient
			},
		},
	}
}

type recordsSearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Date    string `json:"date"`
		Summary string `json:"summary"`
	} `json:"results"`
	Total int `json:"total"`
}

// Handle executes a records action.
func (r *Records) Handle(ctx context.Context, action *actions.Action) (*actions.Response, error) {
	if action.Kind != actions.KindLookupRecord {
		return nil, &Error{Op: "records", Message: fmt.Sprintf("unsupported action kind %s", action.Kind)}
	}

	query := argString(action.Args, "query")
	limit := "10"
	if v, ok := action.Args["limit"]; ok {
		limit = fmt.Sprintf("%v", v)
	}
	path := "/v1/records?q=" + url.QueryEscape(query) + "&limit=" + url.QueryEscape(limit)

	var resp recordsSearchResponse
	err := retry.Do(ctx, r.retry, func() error {
		return r.client.doJSON(ctx, "records: search", http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Results) == 0 {
		return &actions.Response{Output: fmt.Sprintf("No records found for %q.", query)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d record(s) for %q:\n", resp.Total, query)
	for _, rec := range resp.Results {
		fmt.Fprintf(&b, "- %s (%s): %s\n", rec.Title, rec.Date, rec.Summary)
	}
	return &actions.Response{Output: strings.TrimRight(b.String(), "\n")}, nil
}
