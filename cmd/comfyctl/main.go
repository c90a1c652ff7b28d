// Command comfyctl is the administrative CLI over the resolve-realize-
// execute pipeline (spec.md §6's CLI surface): version create, resolve,
// realize, validate, run-ui, run-handler, delete, clone.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openshift/comfyctl/pkg/orcherr"
)

var logLevel string

func newRootCmd(ctx context.Context, log *logrus.Entry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comfyctl",
		Short: "Resolves, realizes, and runs GPU workload engine versions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return orcherr.Wrap(orcherr.KindSpec, "invalid --log-level", err)
			}
			log.Logger.SetLevel(level)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace|debug|info|warn|error)")
	cmd.AddCommand(newVersionCmd(ctx, log))
	return cmd
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.NewEntry(logger)

	ctx := context.Background()
	root := newRootCmd(ctx, log)
	if err := root.Execute(); err != nil {
		log.WithError(err).Error("comfyctl failed")
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the exit codes spec.md §6 defines: 0
// success (unreached here), 2 user/spec error, and engine-subprocess exit
// codes pass through an *engineExitError untouched.
func exitCodeFor(err error) int {
	var engineErr *engineExitError
	if eerr, ok := err.(*engineExitError); ok {
		engineErr = eerr
	}
	if engineErr != nil {
		return engineErr.code
	}
	return 2
}

// engineExitError carries an engine process's own exit code, which
// exitCodeFor returns in place of the blanket user-error code 2. run-ui and
// run-handler do not construct one, so their failures exit with code 2.
type engineExitError struct {
	code int
	err  error
}

func (e *engineExitError) Error() string { return e.err.Error() }
func (e *engineExitError) Unwrap() error { return e.err }
