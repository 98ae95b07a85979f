package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jvs-project/lvsnap/internal/audit"
	"github.com/jvs-project/lvsnap/internal/hooks"
	"github.com/jvs-project/lvsnap/internal/lock"
	"github.com/jvs-project/lvsnap/internal/lvm"
	"github.com/jvs-project/lvsnap/internal/snapshot"
	"github.com/jvs-project/lvsnap/pkg/color"
	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/metrics"
	"github.com/jvs-project/lvsnap/pkg/model"
	"github.com/jvs-project/lvsnap/pkg/template"
	"github.com/jvs-project/lvsnap/pkg/webhook"
)

func newRunCmd(a *app) *cobra.Command {
	var steal bool
	cmd := &cobra.Command{
		Use:   "run [volume]",
		Short: "Snapshot a volume and run the configured hooks",
		Long: `Snapshot a volume and run the configured hooks.

The volume is given as vg/lv or /dev/vg/lv and defaults to the "volume"
configuration key. The snapshot is created, mounted, unmounted and
removed while the hooks of each lifecycle event run. Interrupts are held
back until the snapshot is gone.

Exit status is 1 when any step failed and 130 when an interrupt arrived
during the run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.Volume = args[0]
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), steal)
		},
	}

	f := cmd.Flags()
	f.String("name", "", "snapshot name template (default {lv}_snapshot)")
	f.String("size", "", "snapshot size such as 1G or 20%ORIGIN")
	f.String("mountpoint", "", "mountpoint template")
	f.BoolVar(&steal, "steal", false, "take over a stale lock left by a crashed run")
	a.bindFlags(f, map[string]string{
		"snapshot.name":       "name",
		"snapshot.size":       "size",
		"snapshot.mountpoint": "mountpoint",
	})
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, steal bool) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	runner := a.newRunner(a.logger)
	origin, err := lvm.LookupVolume(ctx, runner, cfg.Volume)
	if err != nil {
		return err
	}
	volume := origin.FullName()
	runID := uuid.NewString()
	logger := a.logger.WithFields(map[string]any{"volume": volume})

	locks := lock.NewManager(cfg.Lock.Dir, model.LockPolicy{DefaultLeaseTTL: cfg.Lock.LeaseTTL})
	held, err := locks.Acquire(volume, runID, "snapshot")
	if err != nil && steal && errors.Is(err, errclass.ErrLockConflict) {
		logger.Warn("stealing stale lock", map[string]any{"error": err.Error()})
		held, err = locks.Steal(volume, runID, "snapshot")
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := locks.Release(volume, held.HolderNonce); err != nil {
			logger.WarnErr("release lock", err)
		}
	}()

	reg := metrics.NewRegistry(volume)
	spec := cfg.SnapshotSpec(origin.VGName, origin.LVName, time.Now())
	m := snapshot.New(spec,
		snapshot.WithLogger(logger),
		snapshot.WithRunID(runID),
		snapshot.WithSignals(a.signals...),
		snapshot.WithPhaseObserver(func(state model.State, elapsed time.Duration) {
			reg.ObservePhase(string(state), elapsed)
		}),
	)

	hookList, err := hooks.FromConfig(cfg.Hooks)
	if err != nil {
		return err
	}
	hooks.NewExecutor(logger, template.VolumeVars(origin.VGName, origin.LVName)).Register(m, hookList)
	registerMountpoint(m, cfg.Snapshot, logger)
	registerLockRenewal(m, locks, volume, held.HolderNonce, logger)

	client := webhook.NewClient(&cfg.Webhook, logger)
	defer client.Close()
	registerWebhook(m, client, volume)

	if cfg.Audit.Path != "" {
		audit.NewFileAppender(cfg.Audit.Path, nil).Register(m, volume)
	}

	result, runErr := m.Start(ctx, origin)
	if result == nil {
		return runErr
	}

	reg.RecordRun(runStats(result))
	if cfg.Metrics.Textfile != "" {
		if err := reg.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.WarnErr("write metrics textfile", err, map[string]any{"path": cfg.Metrics.Textfile})
		}
	}

	if err := a.report(out, volume, result); err != nil {
		return err
	}

	switch {
	case result.Interrupted():
		return &ExitError{Code: ExitInterrupted, Err: errclass.ErrInterrupted.WithMessagef("interrupted by %s", result.Signals[0])}
	case runErr != nil:
		return &ExitError{Code: ExitFailure, Err: runErr}
	}
	return nil
}

func runStats(result *snapshot.Result) metrics.RunStats {
	stats := metrics.RunStats{
		Outcome:         metrics.OutcomeSuccess,
		Duration:        result.Duration(),
		FailedState:     string(result.FailedState),
		CleanupFailures: len(result.CleanupErrs),
		FinishedAt:      result.FinishedAt,
	}
	switch {
	case result.Interrupted():
		stats.Outcome = metrics.OutcomeInterrupted
	case !result.Succeeded():
		stats.Outcome = metrics.OutcomeFailure
	}
	return stats
}

type runReport struct {
	RunID         string        `json:"run_id"`
	Volume        string        `json:"volume"`
	Snapshot      string        `json:"snapshot"`
	Mountpoint    string        `json:"mountpoint"`
	Succeeded     bool          `json:"succeeded"`
	Visited       []model.State `json:"visited"`
	FailedState   model.State   `json:"failed_state,omitempty"`
	Error         string        `json:"error,omitempty"`
	CleanupErrors []string      `json:"cleanup_errors,omitempty"`
	Signals       []string      `json:"signals,omitempty"`
	DurationMS    int64         `json:"duration_ms"`
}

func (a *app) report(out io.Writer, volume string, result *snapshot.Result) error {
	rep := runReport{
		RunID:       result.RunID,
		Volume:      volume,
		Snapshot:    result.Spec.Name,
		Mountpoint:  result.Spec.Mountpoint,
		Succeeded:   result.Succeeded(),
		Visited:     result.Visited,
		FailedState: result.FailedState,
		DurationMS:  result.Duration().Milliseconds(),
	}
	if result.Err != nil {
		rep.Error = result.Err.Error()
	}
	for _, err := range result.CleanupErrs {
		rep.CleanupErrors = append(rep.CleanupErrors, err.Error())
	}
	for _, sig := range result.Signals {
		rep.Signals = append(rep.Signals, sig.String())
	}

	if a.jsonOutput {
		return outputJSON(out, rep)
	}

	status := color.Success("ok")
	if !rep.Succeeded {
		status = color.Error("failed in " + string(rep.FailedState))
	}
	fmt.Fprintf(out, "%s %s of %s: %s\n", color.Header("snapshot"), rep.Snapshot, volume, status)
	fmt.Fprintf(out, "  run:      %s\n", rep.RunID)
	fmt.Fprintf(out, "  states:   %s\n", joinStates(rep.Visited))
	fmt.Fprintf(out, "  duration: %s\n", result.Duration().Round(time.Millisecond))
	if rep.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", rep.Error)
	}
	for _, e := range rep.CleanupErrors {
		fmt.Fprintf(out, "  %s %s\n", color.Warning("cleanup:"), e)
	}
	if len(rep.Signals) > 0 {
		fmt.Fprintf(out, "  %s %s\n", color.Warning("interrupted:"), strings.Join(rep.Signals, ", "))
	}
	return nil
}

func joinStates(states []model.State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}
