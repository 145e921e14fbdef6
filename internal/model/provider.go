package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Provider names an external event source.
type Provider string

const (
	ProviderSlack   Provider = "slack"
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderGitHub  Provider = "github"
)

// RawEvent is an event as returned by a provider client.
type RawEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Channel    string         `json:"channel,omitempty"`
	Sender     string         `json:"sender,omitempty"`
	SenderBot  bool           `json:"sender_bot,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Text       string         `json:"text,omitempty"`
	Repo       string         `json:"repo,omitempty"`
	Folder     string         `json:"folder,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Summary returns the event as a flat map suitable for task context.
func (e RawEvent) Summary() map[string]any {
	out := map[string]any{
		"event_id":   e.ID,
		"event_type": e.Type,
	}
	if !e.OccurredAt.IsZero() {
		out["occurred_at"] = e.OccurredAt.UTC().Format(time.RFC3339)
	}
	for k, v := range map[string]string{
		"channel": e.Channel,
		"sender":  e.Sender,
		"subject": e.Subject,
		"text":    e.Text,
		"repo":    e.Repo,
		"folder":  e.Folder,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if len(e.Labels) > 0 {
		out["labels"] = e.Labels
	}
	for k, v := range e.Data {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// ProviderConfig is the provider-specific filter of a monitor.
// Each variant decides on its own which events it accepts.
type ProviderConfig interface {
	Provider() Provider
	Accept(ev RawEvent) bool
}

// SlackConfig watches channels for keywords or mentions.
type SlackConfig struct {
	Channels      []string `json:"channels"`
	Keywords      []string `json:"keywords,omitempty"`
	MentionUserID string   `json:"mention_user_id,omitempty"`
	IgnoreBots    bool     `json:"ignore_bots,omitempty"`
}

// GitHubConfig watches repository activity.
type GitHubConfig struct {
	Repo       string   `json:"repo"`
	EventTypes []string `json:"event_types,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Actors     []string `json:"actors,omitempty"`
}

// GmailConfig watches a mailbox.
type GmailConfig struct {
	Senders         []string `json:"senders,omitempty"`
	SubjectContains []string `json:"subject_contains,omitempty"`
	Labels          []string `json:"labels,omitempty"`
}

// OutlookConfig watches a mailbox folder.
type OutlookConfig struct {
	Senders         []string `json:"senders,omitempty"`
	SubjectContains []string `json:"subject_contains,omitempty"`
	Folder          string   `json:"folder,omitempty"`
}

func (SlackConfig) Provider() Provider   { return ProviderSlack }
func (GitHubConfig) Provider() Provider  { return ProviderGitHub }
func (GmailConfig) Provider() Provider   { return ProviderGmail }
func (OutlookConfig) Provider() Provider { return ProviderOutlook }

// Accept keeps messages from watched channels that match a keyword or mention.
func (c SlackConfig) Accept(ev RawEvent) bool {
	if len(c.Channels) > 0 && !slices.Contains(c.Channels, ev.Channel) {
		return false
	}
	if c.IgnoreBots && ev.SenderBot {
		return false
	}
	if c.MentionUserID != "" && strings.Contains(ev.Text, "<@"+c.MentionUserID+">") {
		return true
	}
	if len(c.Keywords) == 0 {
		return c.MentionUserID == ""
	}
	return containsAnyFold(ev.Text, c.Keywords)
}

// Accept keeps events of the watched repository that match type, label and actor filters.
func (c GitHubConfig) Accept(ev RawEvent) bool {
	if c.Repo != "" && !strings.EqualFold(c.Repo, ev.Repo) {
		return false
	}
	if len(c.EventTypes) > 0 && !slices.Contains(c.EventTypes, ev.Type) {
		return false
	}
	if len(c.Actors) > 0 && !containsFold(c.Actors, ev.Sender) {
		return false
	}
	if len(c.Labels) > 0 {
		for _, l := range ev.Labels {
			if containsFold(c.Labels, l) {
				return true
			}
		}
		return false
	}
	return true
}

// Accept keeps mail from the listed senders whose subject matches.
func (c GmailConfig) Accept(ev RawEvent) bool {
	if !mailMatches(c.Senders, c.SubjectContains, ev) {
		return false
	}
	if len(c.Labels) > 0 {
		for _, l := range ev.Labels {
			if containsFold(c.Labels, l) {
				return true
			}
		}
		return false
	}
	return true
}

// Accept keeps mail from the listed senders in the watched folder.
func (c OutlookConfig) Accept(ev RawEvent) bool {
	if c.Folder != "" && !strings.EqualFold(c.Folder, ev.Folder) {
		return false
	}
	return mailMatches(c.Senders, c.SubjectContains, ev)
}

func mailMatches(senders, subjects []string, ev RawEvent) bool {
	if len(senders) > 0 && !containsFold(senders, ev.Sender) {
		return false
	}
	if len(subjects) > 0 && !containsAnyFold(ev.Subject, subjects) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func containsAnyFold(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// EncodeProviderConfig serializes a config for storage.
func EncodeProviderConfig(cfg ProviderConfig) (string, error) {
	if cfg == nil {
		return "{}", nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s config: %w", cfg.Provider(), err)
	}
	return string(data), nil
}

// DecodeProviderConfig rebuilds the config variant for provider.
func DecodeProviderConfig(provider Provider, raw string) (ProviderConfig, error) {
	if raw == "" {
		raw = "{}"
	}
	var (
		cfg ProviderConfig
		err error
	)
	switch provider {
	case ProviderSlack:
		var c SlackConfig
		err = json.Unmarshal([]byte(raw), &c)
		cfg = c
	case ProviderGitHub:
		var c GitHubConfig
		err = json.Unmarshal([]byte(raw), &c)
		cfg = c
	case ProviderGmail:
		var c GmailConfig
		err = json.Unmarshal([]byte(raw), &c)
		cfg = c
	case ProviderOutlook:
		var c OutlookConfig
		err = json.Unmarshal([]byte(raw), &c)
		cfg = c
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s config: %v", ErrInvalidInput, provider, err)
	}
	return cfg, nil
}
