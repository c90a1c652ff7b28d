package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openshift/comfyctl/pkg/realize"
)

func newVersionRealizeCmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "realize <version_id>",
		Short: "Assemble a version's engine home: checkout, venv, plugins, models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			lock, app, err := resolveVersion(ctx, log, opts, versionID)
			if err != nil {
				return err
			}
			result, err := app.Realize.Realize(ctx, lock, realize.Options{
				TargetOverride:    opts.target,
				ModelsDirOverride: opts.modelsDir,
				Offline:           lock.Options.Offline,
			})
			if err != nil {
				return err
			}
			if result.FastPath {
				log.Infof("%s already realized at %s (fast path)", versionID, result.EngineHome)
			} else {
				log.Infof("realized %s at %s", versionID, result.EngineHome)
			}
			return nil
		},
	}
}
