package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/lvsnap/internal/lock"
	"github.com/jvs-project/lvsnap/pkg/color"
	"github.com/jvs-project/lvsnap/pkg/model"
)

func newLockCmd(a *app) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and clear per-volume run locks",
	}

	statusCmd := &cobra.Command{
		Use:   "status [volume]",
		Short: "Show the lock of a volume, or every lock",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := a.lockManager()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				recs, err := mgr.List()
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return outputJSON(out, recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(out, "No locks held.")
					return nil
				}
				for _, rec := range recs {
					state, _, err := mgr.Status(rec.Volume)
					if err != nil {
						return err
					}
					printLock(cmd, rec.Volume, state, rec)
				}
				return nil
			}

			volume := args[0]
			state, rec, err := mgr.Status(volume)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return outputJSON(out, map[string]any{
					"volume": volume,
					"state":  state,
					"lock":   rec,
				})
			}
			printLock(cmd, volume, state, rec)
			return nil
		},
	}

	var force bool
	releaseCmd := &cobra.Command{
		Use:   "release <volume>",
		Short: "Remove a stale lock",
		Long: `Remove the lock of a volume.

Only stale locks, whose lease expired or whose holder process is gone,
are removed unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := a.lockManager()
			volume := args[0]
			state, _, err := mgr.Status(volume)
			if err != nil {
				return err
			}
			if state == model.LockStateHeld && !force {
				return fmt.Errorf("%s is locked by a live run (use --force to remove anyway)", volume)
			}
			if err := mgr.ForceRelease(volume); err != nil {
				return err
			}
			if !a.jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "Lock released on %s\n", volume)
			}
			return nil
		},
	}
	releaseCmd.Flags().BoolVar(&force, "force", false, "remove the lock even if its holder is alive")

	lockCmd.AddCommand(statusCmd, releaseCmd)
	return lockCmd
}

func (a *app) lockManager() *lock.Manager {
	return lock.NewManager(a.cfg.Lock.Dir, model.LockPolicy{DefaultLeaseTTL: a.cfg.Lock.LeaseTTL})
}

func printLock(cmd *cobra.Command, volume string, state model.LockState, rec *model.LockRecord) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", volume, color.Severity(string(state)))
	if rec == nil {
		return
	}
	fmt.Fprintf(out, "  Run:      %s\n", rec.RunID)
	fmt.Fprintf(out, "  Holder:   pid %d on %s\n", rec.PID, rec.Hostname)
	fmt.Fprintf(out, "  Acquired: %s\n", rec.AcquiredAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Expires:  %s\n", rec.ExpiresAt.Format(time.RFC3339))
}
