// Package cli implements the lvsnap command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jvs-project/lvsnap/internal/lvm"
	"github.com/jvs-project/lvsnap/pkg/color"
	"github.com/jvs-project/lvsnap/pkg/config"
	"github.com/jvs-project/lvsnap/pkg/logging"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ExitError makes Execute return Code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// app is the state shared by the commands of one invocation.
type app struct {
	configPath string
	jsonOutput bool
	noColor    bool

	viper  *viper.Viper
	cfg    *config.Config
	logger *logging.Logger

	// bindErrs are flag bindings that failed while building commands.
	bindErrs []error

	newRunner func(logger *logging.Logger) lvm.Runner
	// signals are deferred while a snapshot exists.
	signals []os.Signal
}

// NewRootCmd builds the lvsnap command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{
		newRunner: func(logger *logging.Logger) lvm.Runner { return lvm.NewExecRunner(logger) },
		signals:   []os.Signal{os.Interrupt, syscall.SIGTERM},
	})
}

func newRootCmd(a *app) *cobra.Command {
	a.viper = config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "lvsnap",
		Short: "lvsnap - run a command against a temporary LVM snapshot",
		Long: `lvsnap creates a snapshot of an LVM logical volume, mounts it, runs the
hooks configured for each lifecycle event (typically a backup) and then
unmounts and removes the snapshot. Any failure triggers cleanup so no
snapshot volume is left behind.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", config.DefaultPath, "configuration file")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: json or text")
	pf.BoolVar(&a.jsonOutput, "json", false, "output in JSON format")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	a.bindFlags(pf, map[string]string{
		"logging.level":  "log-level",
		"logging.format": "log-format",
	})

	rootCmd.AddCommand(
		newRunCmd(a),
		newEventsCmd(a),
		newConfigCmd(a),
		newLockCmd(a),
		newDoctorCmd(a),
		newAuditCmd(a),
	)
	return rootCmd
}

// load reads the configuration file, applies flag and environment
// overrides and builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	color.Init(a.noColor)
	if err := errors.Join(a.bindErrs...); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Override(a.viper); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(cmd.ErrOrStderr(), level, format)
	return nil
}

// bindFlags binds each config key to the flag of the given name in fs.
func (a *app) bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := a.viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
			a.bindErrs = append(a.bindErrs, fmt.Errorf("%s: %w", key, err))
		}
	}
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(NewRootCmd(), os.Stderr)
}

func execute(rootCmd *cobra.Command, stderr io.Writer) int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmtErr(stderr, "%v", exitErr.Err)
		}
		return exitErr.Code
	}
	fmtErr(stderr, "%v", err)
	return ExitFailure
}

func fmtErr(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, color.Error("lvsnap:")+" "+format+"\n", args...)
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
