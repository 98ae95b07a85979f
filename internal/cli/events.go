package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/lvsnap/pkg/model"
)

var eventHelp = map[model.Event]string{
	model.EventInitialize:   "run started, before anything is created",
	model.EventPreSnapshot:  "before lvcreate",
	model.EventPostSnapshot: "snapshot volume exists",
	model.EventPreMount:     "before the snapshot is mounted",
	model.EventPostMount:    "snapshot is mounted; back it up here",
	model.EventPreUnmount:   "before the snapshot is unmounted",
	model.EventPostUnmount:  "snapshot is unmounted",
	model.EventPreRemove:    "before lvremove",
	model.EventPostRemove:   "snapshot volume is gone",
	model.EventError:        "a step failed; cleanup has run",
	model.EventFinish:       "run is over, whatever the outcome",
}

func newEventsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the lifecycle events hooks can attach to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			events := model.Events()
			if a.jsonOutput {
				return outputJSON(out, events)
			}
			for _, e := range events {
				fmt.Fprintf(out, "%-14s %s\n", e, eventHelp[e])
			}
			return nil
		},
	}
}
