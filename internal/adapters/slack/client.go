// Package slack polls channel history for monitors.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/taskflow/internal/adapters"
	"github.com/alekspetrov/taskflow/internal/model"
)

const slackAPIURL = "https://slack.com/api"

// Client reads messages through the Slack Web API.
type Client struct {
	botToken   string
	httpClient *http.Client
	baseURL    string
	retry      adapters.RetryOptions
}

// NewClient creates a new Slack client
func NewClient(botToken string) *Client {
	return NewClientWithBaseURL(botToken, slackAPIURL)
}

// NewClientWithBaseURL creates a Slack client against a custom API root (for testing).
func NewClientWithBaseURL(botToken, baseURL string) *Client {
	return &Client{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
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
func (c *Client) Provider() model.Provider { return model.ProviderSlack }

// Message is a single entry of conversations.history.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	User    string `json:"user,omitempty"`
	BotID   string `json:"bot_id,omitempty"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

type historyResponse struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// History returns the messages posted to channel after oldest, newest first.
func (c *Client) History(ctx context.Context, channel, oldest string) ([]Message, error) {
	return adapters.WithRetry(ctx, func() ([]Message, error) {
		q := url.Values{}
		q.Set("channel", channel)
		q.Set("limit", "200")
		if oldest != "" {
			q.Set("oldest", oldest)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/conversations.history?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.botToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, adapters.NewStatusError("slack", resp, body)
		}

		var result historyResponse
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if !result.OK {
			if result.Error == "ratelimited" {
				return nil, &adapters.StatusError{Provider: "slack", StatusCode: http.StatusTooManyRequests, Body: result.Error}
			}
			return nil, fmt.Errorf("slack API error: %s", result.Error)
		}
		return result.Messages, nil
	}, c.retry)
}

// FetchEvents returns messages newer than the cursor across the configured
// channels, oldest first. The cursor is a JSON object mapping each channel
// to the newest timestamp already seen.
func (c *Client) FetchEvents(ctx context.Context, cursor string, cfg model.ProviderConfig) ([]model.RawEvent, string, error) {
	sc, ok := cfg.(model.SlackConfig)
	if !ok {
		return nil, cursor, fmt.Errorf("%w: slack client given %T", model.ErrInvalidInput, cfg)
	}
	if len(sc.Channels) == 0 {
		return nil, cursor, fmt.Errorf("%w: slack monitor needs at least one channel", model.ErrInvalidInput)
	}

	seen := map[string]string{}
	if cursor != "" {
		if err := json.Unmarshal([]byte(cursor), &seen); err != nil {
			return nil, cursor, fmt.Errorf("%w: slack cursor: %v", model.ErrInvalidInput, err)
		}
	}

	var out []model.RawEvent
	for _, ch := range sc.Channels {
		msgs, err := c.History(ctx, ch, seen[ch])
		if err != nil {
			return nil, cursor, fmt.Errorf("channel %s: %w", ch, err)
		}
		for _, m := range msgs {
			// oldest is inclusive on some workspaces
			if m.TS == seen[ch] || m.Type != "message" {
				continue
			}
			out = append(out, convert(ch, m))
			if tsAfter(m.TS, seen[ch]) {
				seen[ch] = m.TS
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})

	next, err := json.Marshal(seen)
	if err != nil {
		return nil, cursor, err
	}
	return out, string(next), nil
}

func convert(channel string, m Message) model.RawEvent {
	sender := m.User
	if sender == "" {
		sender = m.BotID
	}
	ev := model.RawEvent{
		ID:         channel + ":" + m.TS,
		Type:       "message",
		OccurredAt: parseTS(m.TS),
		Channel:    channel,
		Sender:     sender,
		SenderBot:  m.BotID != "" || m.Subtype == "bot_message",
		Text:       m.Text,
		Data:       map[string]any{"ts": m.TS},
	}
	if m.Subtype != "" {
		ev.Data["subtype"] = m.Subtype
	}
	return ev
}

// parseTS converts a Slack "seconds.micros" timestamp.
func parseTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e6)*1e3).UTC()
}

func tsAfter(a, b string) bool {
	if b == "" {
		return true
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a > b
	}
	return fa > fb
}
