package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newVersionCloneCmd(ctx context.Context, log *logrus.Entry, opts *versionOptions) *cobra.Command {
	var newSpecFile string
	cmd := &cobra.Command{
		Use:   "clone <version_id> <new_version_id>",
		Short: "Copy a version's spec under a new version_id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, targetID := args[0], args[1]
			s, err := readSpecFile(opts, sourceID)
			if err != nil {
				return err
			}
			s.VersionID = targetID
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling cloned spec: %w", err)
			}
			path := newSpecFile
			if path == "" {
				path = targetID + ".json"
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("spec file %s already exists", path)
			}
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("writing cloned spec %s: %w", path, err)
			}
			log.Infof("cloned %s to %s at %s", sourceID, targetID, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&newSpecFile, "new-spec-file", "", "Path for the cloned spec document (default <new_version_id>.json)")
	return cmd
}
