package model

import (
	"errors"
	"testing"
)

func TestSlackConfigAccept(t *testing.T) {
	cfg := SlackConfig{
		Channels:      []string{"C1"},
		Keywords:      []string{"deploy", "outage"},
		MentionUserID: "U42",
		IgnoreBots:    true,
	}

	tests := []struct {
		name string
		ev   RawEvent
		want bool
	}{
		{"keyword in watched channel", RawEvent{Channel: "C1", Text: "Deploy failed again"}, true},
		{"mention in watched channel", RawEvent{Channel: "C1", Text: "hey <@U42> look"}, true},
		{"other channel", RawEvent{Channel: "C2", Text: "deploy"}, false},
		{"no keyword", RawEvent{Channel: "C1", Text: "lunch?"}, false},
		{"bot sender", RawEvent{Channel: "C1", Text: "deploy", SenderBot: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.Accept(tt.ev); got != tt.want {
				t.Errorf("Accept() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGitHubConfigAccept(t *testing.T) {
	cfg := GitHubConfig{
		Repo:       "acme/api",
		EventTypes: []string{"IssuesEvent"},
		Labels:     []string{"triage"},
	}

	if !cfg.Accept(RawEvent{Repo: "ACME/api", Type: "IssuesEvent", Labels: []string{"Triage"}}) {
		t.Error("expected labelled issue event to be accepted")
	}
	if cfg.Accept(RawEvent{Repo: "acme/api", Type: "PushEvent", Labels: []string{"triage"}}) {
		t.Error("expected push event to be rejected")
	}
	if cfg.Accept(RawEvent{Repo: "acme/api", Type: "IssuesEvent"}) {
		t.Error("expected unlabelled event to be rejected")
	}
}

func TestMailConfigsAccept(t *testing.T) {
	gmail := GmailConfig{Senders: []string{"ops@acme.io"}, SubjectContains: []string{"invoice"}}
	if !gmail.Accept(RawEvent{Sender: "OPS@acme.io", Subject: "Invoice #12"}) {
		t.Error("gmail: expected match")
	}
	if gmail.Accept(RawEvent{Sender: "spam@x.io", Subject: "Invoice"}) {
		t.Error("gmail: expected sender mismatch")
	}

	outlook := OutlookConfig{Folder: "Inbox"}
	if !outlook.Accept(RawEvent{Folder: "inbox", Subject: "anything"}) {
		t.Error("outlook: expected folder match")
	}
	if outlook.Accept(RawEvent{Folder: "Archive"}) {
		t.Error("outlook: expected folder mismatch")
	}
}

func TestProviderConfigRoundTrip(t *testing.T) {
	raw, err := EncodeProviderConfig(SlackConfig{Channels: []string{"C1"}, Keywords: []string{"help"}})
	if err != nil {
		t.Fatalf("EncodeProviderConfig: %v", err)
	}
	cfg, err := DecodeProviderConfig(ProviderSlack, raw)
	if err != nil {
		t.Fatalf("DecodeProviderConfig: %v", err)
	}
	slack, ok := cfg.(SlackConfig)
	if !ok {
		t.Fatalf("decoded %T, want SlackConfig", cfg)
	}
	if len(slack.Channels) != 1 || slack.Channels[0] != "C1" {
		t.Errorf("channels = %v", slack.Channels)
	}

	if _, err := DecodeProviderConfig("fax", "{}"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown provider error = %v, want ErrInvalidInput", err)
	}
}

func TestParseParty(t *testing.T) {
	p, err := ParseParty("team", "t1")
	if err != nil {
		t.Fatalf("ParseParty: %v", err)
	}
	if p != (Team{ID: "t1"}) {
		t.Errorf("party = %#v", p)
	}
	if kind, id := PartyParts(p); kind != "team" || id != "t1" {
		t.Errorf("PartyParts = %s/%s", kind, id)
	}
	if p, _ := ParseParty("", ""); p != nil {
		t.Errorf("empty kind should yield nil party, got %#v", p)
	}
	if _, err := ParseParty("user", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("user without id error = %v", err)
	}
}
