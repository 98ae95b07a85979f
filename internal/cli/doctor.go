package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/lvsnap/internal/doctor"
	"github.com/jvs-project/lvsnap/pkg/color"
)

func newDoctorCmd(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "doctor [volume]",
		Short: "Check that a run can succeed on this host",
		Long: `Check that a run can succeed on this host.

Verifies the required binaries, the configuration, the origin volume, the
lock and mountpoint directories, and looks for snapshots and mounts left
behind by a crashed run. Use --strict to verify the audit log as well.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.Volume = args[0]
			}
			doc := doctor.NewDoctor(a.cfg, a.newRunner(a.logger))
			result, err := doc.Check(cmd.Context(), strict)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				if err := outputJSON(out, result); err != nil {
					return err
				}
			} else if len(result.Findings) == 0 {
				fmt.Fprintln(out, color.Success("Everything looks fine."))
			} else {
				fmt.Fprintf(out, "Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					fmt.Fprintf(out, "  [%s] %s: %s\n", color.Severity(f.Severity), f.Category, f.Description)
				}
			}

			if !result.Healthy {
				return &ExitError{Code: ExitFailure}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "also verify the audit log hash chain")
	return cmd
}
