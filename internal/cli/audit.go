package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/lvsnap/internal/audit"
	"github.com/jvs-project/lvsnap/pkg/color"
)

func newAuditCmd(a *app) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	verifyCmd := &cobra.Command{
		Use:   "verify [path]",
		Short: "Check the hash chain of the audit log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Audit.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no audit log configured")
			}
			n, err := audit.Verify(path)
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				res := map[string]any{"path": path, "records": n, "valid": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				if jerr := outputJSON(out, res); jerr != nil {
					return jerr
				}
				if err != nil {
					return &ExitError{Code: ExitFailure}
				}
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %d records verified in %s\n", color.Success("ok"), n, path)
			return nil
		},
	}
	auditCmd.AddCommand(verifyCmd)
	return auditCmd
}
