package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alekspetrov/taskflow/internal/config"
	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/model"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	old := cfgFile
	t.Cleanup(func() { cfgFile = old })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// testConfig writes a config whose store lives in a temp dir.
func testConfig(t *testing.T) string {
	t.Helper()
	t.Cleanup(logging.Discard)
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(dir, "taskflow.db")
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	cfg.Providers.GitHub.Token = ""
	cfg.Providers.Slack.BotToken = ""
	path := filepath.Join(dir, "config.yaml")
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Taskflow "+version) {
		t.Errorf("output = %q", out)
	}
}

func TestInitCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if _, err := runCLI(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	if _, err := runCLI(t, "init", "--config", path); err == nil {
		t.Error("second init without --force should fail")
	}

	out, err := runCLI(t, "init", "--config", path, "--force")
	if err != nil {
		t.Fatalf("init --force: %v", err)
	}
	if !strings.Contains(out, "Backed up") {
		t.Errorf("output = %q, want backup notice", out)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("backup missing: %v", err)
	}
}

func TestParsePlaybookFile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, pb *model.Playbook)
	}{
		{
			name: "yaml with parties",
			input: `
name: Release
steps:
  - id: build
    name: Build
    order: 1
    assignee_type: user
    assignee_id: alice
  - id: signoff
    name: Sign off
    order: 2
    approval_required: true
    approver_type: team
    approver_id: leads
`,
			check: func(t *testing.T, pb *model.Playbook) {
				if pb.ItemType != model.ItemPlaybook {
					t.Errorf("ItemType = %q, want default playbook", pb.ItemType)
				}
				if len(pb.Steps) != 2 {
					t.Fatalf("steps = %d, want 2", len(pb.Steps))
				}
				if u, ok := pb.Steps[0].Assignee.(model.User); !ok || u.ID != "alice" {
					t.Errorf("assignee = %#v", pb.Steps[0].Assignee)
				}
				if tm, ok := pb.Steps[1].Approver.(model.Team); !ok || tm.ID != "leads" {
					t.Errorf("approver = %#v", pb.Steps[1].Approver)
				}
			},
		},
		{
			name:  "json is yaml",
			input: `{"name": "Folder", "item_type": "group"}`,
			check: func(t *testing.T, pb *model.Playbook) {
				if pb.ItemType != model.ItemGroup {
					t.Errorf("ItemType = %q, want group", pb.ItemType)
				}
			},
		},
		{
			name:    "bad party kind",
			input:   "name: X\nsteps:\n  - id: a\n    assignee_type: robot\n    assignee_id: r2\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			input:   "name: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb, err := parsePlaybookFile([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			tt.check(t, pb)
		})
	}
}

func TestPlaybookImportAndList(t *testing.T) {
	cfgPath := testConfig(t)
	pbPath := filepath.Join(t.TempDir(), "release.yaml")
	content := "id: release\nname: Release\nsteps:\n  - id: build\n    name: Build\n    order: 1\n"
	if err := os.WriteFile(pbPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "--config", cfgPath, "playbook", "import", pbPath)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "Saved playbook release (Release) version 1 with 1 steps") {
		t.Errorf("import output = %q", out)
	}

	// Changing the steps bumps the version.
	content += "  - id: ship\n    name: Ship\n    order: 2\n"
	if err := os.WriteFile(pbPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, "--config", cfgPath, "playbook", "import", pbPath)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if !strings.Contains(out, "version 2 with 2 steps") {
		t.Errorf("re-import output = %q", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "playbook", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "release") || !strings.Contains(out, "v2") {
		t.Errorf("list output = %q", out)
	}
}

func TestRecurringTriggerUnknown(t *testing.T) {
	cfgPath := testConfig(t)
	_, err := runCLI(t, "--config", cfgPath, "recurring", "trigger", "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMonitorPollUnknown(t *testing.T) {
	cfgPath := testConfig(t)
	_, err := runCLI(t, "--config", cfgPath, "monitor", "poll", "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestProviderClients(t *testing.T) {
	if opts := providerClients(nil); len(opts) != 0 {
		t.Errorf("nil providers gave %d options", len(opts))
	}
	opts := providerClients(&config.ProvidersConfig{
		GitHub: &config.GitHubConfig{Token: "ghp_x"},
		Slack:  &config.SlackConfig{},
	})
	if len(opts) != 1 {
		t.Errorf("options = %d, want 1 (slack has no token)", len(opts))
	}
}

func TestStoppedCleanly(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no error", nil, true},
		{"canceled", context.Canceled, true},
		{"wrapped cancel", fmt.Errorf("gateway: %w", context.Canceled), true},
		{"deadline", context.DeadlineExceeded, false},
		{"listen failure", errors.New("listen tcp :8181: address already in use"), false},
	}
	for _, tt := range tests {
		if got := stoppedCleanly(tt.err); got != tt.want {
			t.Errorf("%s: stoppedCleanly(%v) = %v, want %v", tt.name, tt.err, got, tt.want)
		}
	}
}
