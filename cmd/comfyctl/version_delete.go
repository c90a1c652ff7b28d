package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newVersionDeleteCmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <version_id>",
		Short: "Remove a version's engine home and resolved lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			a, err := buildApp(log)
			if err != nil {
				return err
			}
			engineHome, err := a.Layout.EngineHome(versionID, opts.target)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(engineHome); err != nil {
				return err
			}
			lockPath, err := a.Layout.ResolvedLockPath(versionID)
			if err != nil {
				return err
			}
			if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			log.Infof("deleted %s: removed %s and %s", versionID, engineHome, lockPath)
			return nil
		},
	}
}
