package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
	"github.com/openshift/comfyctl/pkg/fetch"
	comfygit "github.com/openshift/comfyctl/pkg/git"
	"github.com/openshift/comfyctl/pkg/layout"
	"github.com/openshift/comfyctl/pkg/realize"
	"github.com/openshift/comfyctl/pkg/spec"
)

// versionOptions are the flags shared by every `version <verb>` subcommand.
type versionOptions struct {
	specFile   string
	offline    bool
	target     string
	modelsDir  string
	skipModels bool
}

func newVersionCmd(ctx context.Context, log *logrus.Entry) *cobra.Command {
	opts := &versionOptions{}
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Operate on a single engine version",
	}
	cmd.PersistentFlags().StringVar(&opts.specFile, "spec-file", "", "Path to the version spec JSON document")
	cmd.PersistentFlags().BoolVar(&opts.offline, "offline", false, "Fail rather than perform any network operation")
	cmd.PersistentFlags().StringVar(&opts.target, "target", "", "Override the engine home directory")
	cmd.PersistentFlags().StringVar(&opts.modelsDir, "models-dir", "", "Override the models directory")
	cmd.PersistentFlags().BoolVar(&opts.skipModels, "skip-models", false, "Skip model placement during realize")

	cmd.AddCommand(newVersionCreateCmd(ctx, log, opts))
	cmd.AddCommand(newVersionValidateCmd(ctx, log, opts))
	cmd.AddCommand(newVersionResolveCmd(ctx, log, opts))
	cmd.AddCommand(newVersionRealizeCmd(ctx, log, opts))
	cmd.AddCommand(newVersionRunUICmd(ctx, log, opts))
	cmd.AddCommand(newVersionRunHandlerCmd(ctx, log, opts))
	cmd.AddCommand(newVersionDeleteCmd(ctx, log, opts))
	cmd.AddCommand(newVersionCloneCmd(ctx, log, opts))
	return cmd
}

// readSpecFile loads and parses the version spec named by opts.specFile,
// defaulting to <version_id>.json in the working directory when unset.
func readSpecFile(opts *versionOptions, versionID string) (*spec.VersionSpec, error) {
	path := opts.specFile
	if path == "" {
		path = versionID + ".json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file %s: %w", path, err)
	}
	return spec.Parse(data)
}

// app bundles the constructed components every verb beyond create/validate
// needs, wired once per invocation from the shared flags.
type app struct {
	Layout  *layout.Layout
	GW      *comfyexec.Gateway
	Fetcher *fetch.Fetcher
	Realize *realize.Realizer
}

func buildApp(log *logrus.Entry) (*app, error) {
	lo, err := layout.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	gw := comfyexec.New(log)

	modelsCacheDir, err := lo.Models()
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(modelsCacheDir, httpClientWithRetry(), gw, log)

	return &app{
		Layout:  lo,
		GW:      gw,
		Fetcher: fetcher,
		Realize: &realize.Realizer{
			Layout:  lo,
			GW:      gw,
			Fetcher: fetcher,
			Publish: fetch.Publish,
			GitCache: func(repoURL, cacheDir string) *comfygit.Cache {
				return comfygit.NewCache(gw, log, repoURL, cacheDir)
			},
			Log: log,
		},
	}, nil
}

// cacheFor adapts the app's git cache construction to pkg/spec.CacheFor,
// keying each repo's bare mirror by its slug under the shared comfy cache
// directory.
func (a *app) cacheFor(log *logrus.Entry) spec.CacheFor {
	return func(repoURL string) spec.RefResolver {
		comfyCacheDir, err := a.Layout.Comfy()
		if err != nil {
			return erroringResolver{err: err}
		}
		dir := comfyCacheDir + "/" + comfygit.SlugFromRepo(repoURL)
		return comfygit.NewCache(a.GW, log, repoURL, dir)
	}
}

type erroringResolver struct{ err error }

func (e erroringResolver) ResolveRef(ctx context.Context, ref string) (string, error) {
	return "", e.err
}
