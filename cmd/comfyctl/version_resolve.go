package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openshift/comfyctl/pkg/spec"
)

func newVersionResolveCmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <version_id>",
		Short: "Resolve a version spec into a pinned ResolvedLock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			lock, app, err := resolveVersion(ctx, log, opts, versionID)
			if err != nil {
				return err
			}
			path, err := app.Layout.ResolvedLockPath(versionID)
			if err != nil {
				return err
			}
			data, err := spec.Marshal(lock)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("writing resolved lock %s: %w", path, err)
			}
			log.Infof("resolved %s to %s at %s", versionID, lock.Comfy.Commit, path)
			return nil
		},
	}
}

// resolveVersion loads versionID's spec, builds the shared app components,
// and resolves it into a ResolvedLock, the sequence every verb beyond
// create/validate needs before it can act.
func resolveVersion(ctx context.Context, log *logrus.Entry, opts *versionOptions, versionID string) (*spec.ResolvedLock, *app, error) {
	s, err := readSpecFile(opts, versionID)
	if err != nil {
		return nil, nil, err
	}
	a, err := buildApp(log)
	if err != nil {
		return nil, nil, err
	}
	lock, err := spec.Resolve(ctx, s, a.cacheFor(log), opts.offline, log)
	if err != nil {
		return nil, nil, err
	}
	if opts.skipModels {
		lock.Options.SkipModels = true
	}
	return lock, a, nil
}
