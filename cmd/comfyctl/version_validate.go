package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newVersionValidateCmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <version_id>",
		Short: "Validate a version spec document without resolving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			s, err := readSpecFile(opts, versionID)
			if err != nil {
				return err
			}
			log.Infof("spec for %s is valid: comfy.repo=%s, %d custom nodes, %d models", s.VersionID, s.Comfy.Repo, len(s.CustomNodes), len(s.Models))
			return nil
		},
	}
}
