package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/lockmgr"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/tasks"
)

// openOpsCoordinator builds a coordinator for one-shot inspection. It is
// never started, so it takes no lease and writes no heartbeat.
func openOpsCoordinator(logger pslog.Logger) (*relayd.Coordinator, error) {
	if _, err := loadConfigFile(); err != nil {
		return nil, err
	}
	var cfg relayd.Config
	if err := bindConfig(&cfg); err != nil {
		return nil, err
	}
	cfg.OTLPEndpoint = ""
	cfg.MetricsListen = ""
	cfg.PprofListen = ""
	cfg.EnableProfilingMetrics = false
	cfg.Deliver = false
	return relayd.New(cfg, relayd.WithLogger(logger))
}

func closeOps(coord *relayd.Coordinator, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Shutdown(ctx); err != nil {
		logger.Warn("ops.shutdown.failed", "error", err)
	}
}

func newInstancesCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List live instances from the shared registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := loggingutil.WithSubsystem(baseLogger, "cli.instances")
			coord, err := openOpsCoordinator(logger)
			if err != nil {
				return err
			}
			defer closeOps(coord, logger)

			records, err := coord.Registry().ActiveInstances(cmd.Context())
			if err != nil {
				return err
			}
			var leader string
			if lease, ok := coord.Locks().Holder(cmd.Context(), lockmgr.DefaultLeaderResource); ok {
				leader = lease.Owner
			}
			writeInstances(cmd.OutOrStdout(), records, leader, time.Now())
			return nil
		},
	}
}

func writeInstances(w io.Writer, records []lockmgr.InstanceRecord, leader string, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no live instances")
		return
	}
	fmt.Fprintf(w, "%-28s %-9s %-8s %-22s %s\n", "ID", "ROLE", "ACTIVE", "ADDRESS", "LAST SEEN")
	for _, rec := range records {
		role := rec.Role
		if rec.ID == leader {
			role = lockmgr.RoleLeader
		}
		if role == "" {
			role = "-"
		}
		addr := rec.Address
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(w, "%-28s %-9s %-8s %-22s %s\n",
			rec.ID, role, humanize.Comma(rec.ActiveTaskCount), addr, humanize.RelTime(rec.LastSeen(), now, "ago", "from now"))
	}
}

func newTasksCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the task store",
	}
	cmd.AddCommand(newTasksStalledCommand(baseLogger))
	return cmd
}

func newTasksStalledCommand(baseLogger pslog.Logger) *cobra.Command {
	var maxAge time.Duration
	var limit int
	var reset bool
	cmd := &cobra.Command{
		Use:   "stalled",
		Short: "List active tasks that have not been updated recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := loggingutil.WithSubsystem(baseLogger, "cli.tasks")
			coord, err := openOpsCoordinator(logger)
			if err != nil {
				return err
			}
			defer closeOps(coord, logger)

			if maxAge <= 0 {
				maxAge = viper.GetDuration("stall-max-age")
			}
			stalled := coord.Tasks().FindStalledTasks(cmd.Context(), maxAge, tasks.StalledOptions{MaxResults: limit})
			out := cmd.OutOrStdout()
			writeStalled(out, stalled, time.Now())
			if !reset || len(stalled) == 0 {
				return nil
			}
			ids := make([]string, 0, len(stalled))
			for _, t := range stalled {
				ids = append(ids, t.ID)
			}
			n, err := coord.Tasks().ResetStalledTasks(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "requeued %d task(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "stall threshold (defaults to stall-max-age)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to list (clamped to 50..1000)")
	cmd.Flags().BoolVar(&reset, "reset", false, "requeue the listed tasks")
	return cmd
}

func writeStalled(w io.Writer, stalled []tasks.Task, now time.Time) {
	if len(stalled) == 0 {
		fmt.Fprintln(w, "no stalled tasks")
		return
	}
	fmt.Fprintf(w, "%-28s %-12s %-10s %-28s %s\n", "ID", "STATUS", "SIZE", "CLAIMED BY", "UPDATED")
	for _, t := range stalled {
		claimed := "-"
		if t.ClaimedBy != nil {
			claimed = *t.ClaimedBy
		}
		size := humanize.Bytes(uint64(max(t.FileSize, 0)))
		updated := time.UnixMilli(t.UpdatedAt)
		fmt.Fprintf(w, "%-28s %-12s %-10s %-28s %s\n", t.ID, t.Status, size, claimed, humanize.RelTime(updated, now, "ago", "from now"))
	}
}
