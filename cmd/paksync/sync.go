package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/paksync/internal/config"
	"github.com/agentworkforce/paksync/internal/filemanager"
	"github.com/agentworkforce/paksync/internal/remotestore"
	"github.com/agentworkforce/paksync/internal/syncengine"
)

type syncFlags struct {
	watch          bool
	policy         string
	interval       time.Duration
	intervalJitter float64
	timeout        time.Duration
	concurrency    int
}

func NewSyncCommand(a *app) *cobra.Command {
	var f syncFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the image with the remote document store.",
		Long: `Runs one sync pass, or with --watch keeps syncing on a jittered interval
and whenever the image file or the remote database changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("policy") {
				f.policy = a.cfg.Sync.Policy
			}
			if !flags.Changed("interval") {
				f.interval = config.ParseDuration(a.cfg.Sync.Interval, 30*time.Second, a.logger)
			}
			if !flags.Changed("interval-jitter") {
				f.intervalJitter = a.cfg.Sync.IntervalJitter
			}
			if !flags.Changed("timeout") {
				f.timeout = config.ParseDuration(a.cfg.Sync.Timeout, time.Minute, a.logger)
			}
			if !flags.Changed("concurrency") {
				f.concurrency = a.cfg.Sync.Concurrency
			}
			if f.interval <= 0 {
				f.interval = 30 * time.Second
			}
			if f.timeout <= 0 {
				f.timeout = time.Minute
			}
			return runSync(cmd.Context(), a, f, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&f.watch, "watch", "w", false, "keep syncing until interrupted")
	flags.StringVar(&f.policy, "policy", "manual", "conflict policy: manual, local, remote, progress or an expression")
	flags.DurationVar(&f.interval, "interval", 30*time.Second, "sync interval in watch mode")
	flags.Float64Var(&f.intervalJitter, "interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	flags.DurationVar(&f.timeout, "timeout", time.Minute, "per-pass timeout")
	flags.IntVar(&f.concurrency, "concurrency", 4, "actions applied in parallel")
	return cmd
}

func runSync(ctx context.Context, a *app, f syncFlags, out io.Writer) error {
	m, err := a.openImage(ctx)
	if err != nil {
		return err
	}
	engine, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	resolver, err := syncengine.NewResolver(f.policy)
	if err != nil {
		return err
	}
	syncer, err := syncengine.NewSyncer(engine, m, syncengine.SyncerOptions{
		Resolver:    resolver,
		Concurrency: f.concurrency,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize syncer: %w", err)
	}

	pass := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		report, err := syncer.SyncOnce(ctx)
		if err != nil {
			return err
		}
		if report.Changed() {
			if err := m.Save(ctx, ""); err != nil {
				return fmt.Errorf("save synced image: %w", err)
			}
		}
		if err := syncer.Commit(report); err != nil {
			return err
		}
		printReport(out, report)
		return nil
	}

	if !f.watch {
		return pass(ctx)
	}

	rootCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	run := func(trigger string) {
		a.logger.Debug("sync pass", "trigger", trigger)
		if err := pass(rootCtx); err != nil {
			a.logger.Warn("sync pass failed", "trigger", trigger, "error", err)
		}
	}

	fileEvents, err := m.Watch(rootCtx)
	if err != nil {
		a.logger.Warn("image watch unavailable, relying on the interval", "error", err)
	}
	var remoteChanges <-chan remotestore.Change
	if source, ok := engine.Store().(remotestore.ChangeSource); ok {
		remoteChanges, err = source.Changes(rootCtx)
		if err != nil {
			a.logger.Warn("remote change feed unavailable, relying on the interval", "error", err)
		}
	}

	run("start")
	schedule := newPassSchedule(f.interval, f.intervalJitter, rand.New(rand.NewSource(time.Now().UnixNano())).Float64)
	timer := time.NewTimer(schedule.next())
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			a.logger.Info("sync stopping", "reason", rootCtx.Err())
			return nil
		case <-timer.C:
			run("interval")
			timer.Reset(schedule.next())
		case _, ok := <-fileEvents:
			if !ok {
				fileEvents = nil
				continue
			}
			if err := reloadImage(rootCtx, m); err != nil {
				a.logger.Warn("reload image failed", "path", m.Path(), "error", err)
				continue
			}
			run("image")
		case change, ok := <-remoteChanges:
			if !ok {
				a.logger.Warn("remote change feed closed")
				remoteChanges = nil
				continue
			}
			a.logger.Debug("remote change", "id", change.ID, "rev", change.Revision, "deleted", change.Deleted)
			drain(remoteChanges)
			run("remote")
		}
	}
}

// reloadImage picks up edits another process made to the image file. Unsaved
// local edits win; they are written back by the next pass that changes the
// image.
func reloadImage(ctx context.Context, m *filemanager.Manager) error {
	if m.State() == filemanager.StateDirty {
		return nil
	}
	return m.Open(ctx, m.Path())
}

// drain discards changes already queued so a burst triggers one pass.
func drain(ch <-chan remotestore.Change) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func printReport(w io.Writer, report syncengine.Report) {
	for _, o := range report.Outcomes {
		line := fmt.Sprintf("%s %s: %s", o.Action.Kind, o.Action.ID, o.Status)
		if o.Err != nil {
			line += " (" + o.Err.Error() + ")"
		}
		fmt.Fprintln(w, line)
	}
	for _, c := range report.Conflicts {
		fmt.Fprintf(w, "conflict %s: %s\n", c.ID, c.Reason)
	}
	counts := syncengine.Summary(report.Outcomes)
	statuses := make([]syncengine.Status, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	summary := ""
	for _, status := range statuses {
		summary += fmt.Sprintf(" %s=%d", status, counts[status])
	}
	fmt.Fprintf(w, "sync: %d action(s), %d unresolved conflict(s)%s\n", len(report.Actions), len(report.Conflicts), summary)
}
