// Package github polls repository activity for monitors.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/taskflow/internal/adapters"
	"github.com/alekspetrov/taskflow/internal/model"
)

const (
	githubAPIURL = "https://api.github.com"
	pageSize     = 100
)

// Client reads the GitHub repository events API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string // For testing - defaults to githubAPIURL
	retry      adapters.RetryOptions
}

// NewClient creates a new GitHub client
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, githubAPIURL)
}

// NewClientWithBaseURL creates a new GitHub client with a custom base URL (for testing)
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: adapters.DefaultRetryOptions(),
	}
}

// SetRetryOptions overrides the retry policy.
func (c *Client) SetRetryOptions(opts adapters.RetryOptions) {
	c.retry = opts
}

// Provider implements monitor.ProviderClient.
func (c *Client) Provider() model.Provider { return model.ProviderGitHub }

// Event is one entry of the repository events API.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     Actor           `json:"actor"`
	Repo      Repo            `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Actor is the user that caused an event.
type Actor struct {
	Login string `json:"login"`
}

// Repo names the repository of an event.
type Repo struct {
	Name string `json:"name"`
}

type label struct {
	Name string `json:"name"`
}

type issueLike struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	HTMLURL string  `json:"html_url"`
	Labels  []label `json:"labels"`
}

type payload struct {
	Action      string     `json:"action"`
	Ref         string     `json:"ref"`
	Issue       *issueLike `json:"issue"`
	PullRequest *issueLike `json:"pull_request"`
	Comment     *struct {
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	} `json:"comment"`
}

func (c *Client) doRequest(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapters.NewStatusError("github", resp, body)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// ListRepoEvents returns the most recent events of owner/repo, newest first.
func (c *Client) ListRepoEvents(ctx context.Context, repo string) ([]Event, error) {
	return adapters.WithRetry(ctx, func() ([]Event, error) {
		var events []Event
		path := fmt.Sprintf("/repos/%s/events?per_page=%d", repo, pageSize)
		if err := c.doRequest(ctx, path, &events); err != nil {
			return nil, err
		}
		return events, nil
	}, c.retry)
}

// FetchEvents returns the events newer than cursor, oldest first. The cursor
// is the highest event id already seen.
func (c *Client) FetchEvents(ctx context.Context, cursor string, cfg model.ProviderConfig) ([]model.RawEvent, string, error) {
	gh, ok := cfg.(model.GitHubConfig)
	if !ok {
		return nil, cursor, fmt.Errorf("%w: github client given %T", model.ErrInvalidInput, cfg)
	}
	if strings.Count(gh.Repo, "/") != 1 {
		return nil, cursor, fmt.Errorf("%w: repo must be owner/name, got %q", model.ErrInvalidInput, gh.Repo)
	}

	var since int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, cursor, fmt.Errorf("%w: github cursor %q", model.ErrInvalidInput, cursor)
		}
		since = n
	}

	events, err := c.ListRepoEvents(ctx, gh.Repo)
	if err != nil {
		return nil, cursor, err
	}

	var out []model.RawEvent
	highest := since
	for _, ev := range events {
		id, err := strconv.ParseInt(ev.ID, 10, 64)
		if err != nil || id <= since {
			continue
		}
		if id > highest {
			highest = id
		}
		out = append(out, convert(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a < b
	})

	next := cursor
	if highest > since {
		next = strconv.FormatInt(highest, 10)
	}
	return out, next, nil
}

func convert(ev Event) model.RawEvent {
	raw := model.RawEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		OccurredAt: ev.CreatedAt,
		Sender:     ev.Actor.Login,
		Repo:       ev.Repo.Name,
		Data:       map[string]any{},
	}

	var p payload
	if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &p) == nil {
		if p.Action != "" {
			raw.Data["action"] = p.Action
		}
		if p.Ref != "" {
			raw.Data["ref"] = p.Ref
		}
		item := p.Issue
		if item == nil {
			item = p.PullRequest
		}
		if item != nil {
			raw.Subject = item.Title
			raw.Text = item.Body
			raw.Data["number"] = item.Number
			raw.Data["url"] = item.HTMLURL
			for _, l := range item.Labels {
				raw.Labels = append(raw.Labels, l.Name)
			}
		}
		if p.Comment != nil {
			raw.Text = p.Comment.Body
			raw.Data["url"] = p.Comment.HTMLURL
		}
	}
	if raw.Subject == "" {
		raw.Subject = fmt.Sprintf("%s on %s", ev.Type, ev.Repo.Name)
	}
	return raw
}
