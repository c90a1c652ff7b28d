package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openshift/comfyctl/pkg/spec"
)

func newVersionCreateCmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	var comfyRepo, comfyRef string
	cmd := &cobra.Command{
		Use:   "create <version_id>",
		Short: "Scaffold a new version spec document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			s := spec.VersionSpec{
				SchemaVersion: 2,
				VersionID:     versionID,
				Comfy:         spec.ComfyRef{Repo: comfyRepo, Ref: comfyRef},
				CustomNodes:   []spec.NodeRef{},
				Models:        []spec.ModelRef{},
				Options:       spec.Options{Offline: opts.offline, SkipModels: opts.skipModels},
			}
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling new spec: %w", err)
			}
			path := opts.specFile
			if path == "" {
				path = versionID + ".json"
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("spec file %s already exists", path)
			}
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("writing spec file %s: %w", path, err)
			}
			log.Infof("wrote new spec for %s to %s", versionID, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&comfyRepo, "comfy-repo", "", "Engine source repository URL")
	cmd.Flags().StringVar(&comfyRef, "comfy-ref", "", "Engine source ref (branch/tag); resolved to a commit on realize")
	cmd.MarkFlagRequired("comfy-repo")
	return cmd
}
