package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/taskflow/internal/config"
	"github.com/alekspetrov/taskflow/internal/model"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default Taskflow configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := cfgFile
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}

			if _, err := os.Stat(configPath); err == nil {
				if !force {
					return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
				}
				backupPath := configPath + ".bak"
				if err := os.Rename(configPath, backupPath); err != nil {
					return fmt.Errorf("failed to backup config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backed up existing config to %s\n", backupPath)
			}

			if err := config.Save(config.DefaultConfig(), configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config: %s\n\n", configPath)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "  1. Set GITHUB_TOKEN or SLACK_BOT_TOKEN for the monitors you need")
			fmt.Fprintln(out, "  2. Run 'taskflow serve'")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize config (backs up existing to .bak)")
	return cmd
}

// playbookFile is the on-disk shape of an importable playbook.
type playbookFile struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ItemType       model.ItemType `json:"item_type"`
	ParentID       string         `json:"parent_id"`
	OrderIndex     int            `json:"order_index"`
	DefaultQueueID string         `json:"default_queue_id"`
	Steps          []model.Step   `json:"steps"`
}

// parsePlaybookFile accepts YAML or JSON. YAML is normalized through JSON so
// steps decode with the same party rules as the HTTP API.
func parsePlaybookFile(data []byte) (*model.Playbook, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize playbook: %w", err)
	}

	var f playbookFile
	if err := json.Unmarshal(normalized, &f); err != nil {
		return nil, fmt.Errorf("failed to decode playbook: %w", err)
	}
	if f.ItemType == "" {
		f.ItemType = model.ItemPlaybook
	}
	return &model.Playbook{
		ID:             f.ID,
		Name:           f.Name,
		Description:    f.Description,
		ItemType:       f.ItemType,
		ParentID:       f.ParentID,
		OrderIndex:     f.OrderIndex,
		DefaultQueueID: f.DefaultQueueID,
		Steps:          f.Steps,
	}, nil
}

func newPlaybookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbook",
		Short: "Manage playbooks",
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create or update a playbook from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			pb, err := parsePlaybookFile(data)
			if err != nil {
				return err
			}

			a, err := openApp(nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			saved, err := a.svc.SavePlaybook(cmd.Context(), pb)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved playbook %s (%s) version %d with %d steps\n",
				saved.ID, saved.Name, saved.Version, len(saved.Steps))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			pbs, err := a.svc.ListPlaybooks(cmd.Context(), "")
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tVERSION\tSTEPS\tUPDATED")
			for _, pb := range pbs {
				fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%d\t%s\n",
					pb.ID, pb.Name, pb.ItemType, pb.Version, len(pb.Steps), humanize.Time(pb.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func newRecurringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recurring",
		Short: "Inspect and trigger recurring tasks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recurring tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rts, err := a.svc.ListRecurringTasks(cmd.Context())
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tTITLE\tACTIVE\tNEXT RUN\tCREATED\tFAILURES")
			for _, rt := range rts {
				next := "-"
				if rt.NextRun != nil {
					next = humanize.Time(*rt.NextRun)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%d\n",
					rt.ID, rt.Template.Title, rt.IsActive, next,
					humanize.Comma(int64(rt.CreatedTasksCount)), rt.FailureCount)
			}
			return w.Flush()
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger <id>",
		Short: "Create a task from a recurring rule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			task, err := a.scheduler.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %s: %s\n", task.ID, task.Title)
			return nil
		},
	}

	cmd.AddCommand(listCmd, triggerCmd)
	return cmd
}

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Inspect and poll monitors",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			monitors, err := a.svc.ListMonitors(cmd.Context())
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tSTATUS\tEVENTS\tLAST POLL")
			for _, m := range monitors {
				last := "never"
				if m.LastPolledAt != nil {
					last = humanize.Time(*m.LastPolledAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.Name, m.Provider, m.Status, humanize.Comma(int64(m.EventsDetected)), last)
			}
			return w.Flush()
		},
	}

	pollCmd := &cobra.Command{
		Use:   "poll <id>",
		Short: "Poll a monitor once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.poller.PollMonitor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Error != "" {
				return fmt.Errorf("poll %s failed: %s", res.MonitorID, res.Error)
			}
			fmt.Fprintf(out, "Polled %s: %d events, %d tasks, %d playbook runs\n",
				res.MonitorID, res.EventsFound, res.TasksCreated, res.PlaybooksTriggered)
			return nil
		},
	}

	cmd.AddCommand(listCmd, pollCmd)
	return cmd
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
}
