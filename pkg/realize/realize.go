// Package realize assembles an engine home: source checkout, Python
// virtual environment, plugin symlinks, requirements installation, and
// model placement (spec.md §4.6). It is the largest component in the
// pipeline; every step below mirrors the eleven-step algorithm in
// spec.md §4.6, in order, and the final marker write is the single commit
// point per spec.md §5's ordering invariant.
package realize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
	"github.com/openshift/comfyctl/pkg/fetch"
	comfygit "github.com/openshift/comfyctl/pkg/git"
	"github.com/openshift/comfyctl/pkg/layout"
	"github.com/openshift/comfyctl/pkg/orcherr"
	"github.com/openshift/comfyctl/pkg/spec"
)

// Fetcher is the subset of pkg/fetch.Fetcher realize needs for model
// placement, declared as an interface so tests can substitute a fake.
type Fetcher interface {
	EnsureCached(ctx context.Context, source string, checksum string, opts fetch.Options) (string, error)
}

// Publisher places a cached file at a target path, matching fetch.Publish's
// signature.
type Publisher func(cachePath, targetPath string) (fetch.PublishResult, error)

// Gateway is the subprocess surface realize needs: pip installs, venv
// creation, and dependency queries.
type Gateway interface {
	Run(ctx context.Context, args []string, cwd string, env []string, timeout time.Duration) comfyexec.Result
}

// Options configures a single Realize call (spec.md §4.6 inputs).
type Options struct {
	TargetOverride    string
	ModelsDirOverride string
	OfflineWheelhouse string
	Offline           bool
}

// Realizer owns the components needed to realize a ResolvedLock into an
// engine home.
type Realizer struct {
	Layout   *layout.Layout
	GW       Gateway
	Fetcher  Fetcher
	Publish  Publisher
	GitCache func(repoURL, cacheDir string) *comfygit.Cache
	Log      *logrus.Entry
}

// Result is what a successful Realize call returns (spec.md §4.6 output).
type Result struct {
	EngineHome string
	ModelsDir  string
	FastPath   bool
}

func pythonInterpreterName() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func venvPython(engineHome string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(engineHome, ".venv", "Scripts", "python.exe")
	}
	return filepath.Join(engineHome, ".venv", "bin", "python")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// Realize performs the eleven-step algorithm of spec.md §4.6.
func (r *Realizer) Realize(ctx context.Context, lock *spec.ResolvedLock, opts Options) (*Result, error) {
	engineHome, err := r.Layout.EngineHome(lock.VersionID, opts.TargetOverride)
	if err != nil {
		return nil, fmt.Errorf("computing engine home: %w", err)
	}
	modelsDir, err := r.Layout.ModelsDir(engineHome, opts.ModelsDirOverride)
	if err != nil {
		return nil, fmt.Errorf("computing models dir: %w", err)
	}

	signature := SignatureFor(lock)

	// Step 2: fast path.
	if isExecutable(venvPython(engineHome)) {
		if _, err := os.Stat(filepath.Join(engineHome, "main.py")); err == nil {
			existing, err := ReadMarker(engineHome)
			if err == nil && existing != nil && existing.equal(signature) {
				r.Log.WithField("engine_home", engineHome).Info("Prepared marker matches; skipping realization.")
				return &Result{EngineHome: engineHome, ModelsDir: modelsDir, FastPath: true}, nil
			}
		}
	}

	// Step 4: engine checkout.
	comfyCacheDir, err := r.Layout.Comfy()
	if err != nil {
		return nil, err
	}
	comfySlug := comfygit.SlugFromRepo(lock.Comfy.Repo)
	comfyCache := r.GitCache(lock.Comfy.Repo, filepath.Join(comfyCacheDir, comfySlug))
	if err := comfyCache.EnsureRepoCache(ctx, opts.Offline); err != nil {
		return nil, err
	}
	if lock.Comfy.Commit == "" {
		return nil, orcherr.Offline
	}
	if _, err := comfyCache.MaterializeWorkingCopy(ctx, engineHome, lock.Comfy.Commit, opts.Offline); err != nil {
		return nil, err
	}

	// Step 5: interpreter provisioning.
	interpreter, err := r.provisionInterpreter(ctx, engineHome)
	if err != nil {
		return nil, err
	}

	// Step 6: engine dependencies.
	if err := r.installRequirements(ctx, interpreter, engineHome, opts); err != nil {
		return nil, err
	}

	// Step 7: plugin clones.
	nodesCacheDir, err := r.Layout.CustomNodes()
	if err != nil {
		return nil, err
	}
	customNodesDir := filepath.Join(engineHome, "custom_nodes")
	if err := os.MkdirAll(customNodesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating custom_nodes dir: %w", err)
	}
	var pluginDirs []string
	for _, node := range lock.CustomNodes {
		slug := comfygit.SlugFromRepo(node.Repo)
		pluginCacheDir := filepath.Join(nodesCacheDir, fmt.Sprintf("%s@%s", slug, node.Commit))
		cache := r.GitCache(node.Repo, pluginCacheDir)
		if err := cache.EnsureRepoCache(ctx, opts.Offline); err != nil {
			return nil, err
		}
		if node.Commit == "" {
			continue // offline + unresolved commit: engine may still run without this plugin.
		}
		pluginWorkdir := filepath.Join(nodesCacheDir, fmt.Sprintf("%s@%s.checkout", slug, node.Commit))
		if _, err := cache.MaterializeWorkingCopy(ctx, pluginWorkdir, node.Commit, opts.Offline); err != nil {
			return nil, err
		}
		link := filepath.Join(customNodesDir, node.Name)
		_ = os.Remove(link)
		if err := os.Symlink(pluginWorkdir, link); err != nil {
			return nil, fmt.Errorf("symlinking plugin %s: %w", node.Name, err)
		}
		pluginDirs = append(pluginDirs, pluginWorkdir)
		if _, err := os.Stat(filepath.Join(pluginWorkdir, "requirements.txt")); err == nil && !opts.Offline {
			res := r.GW.Run(ctx, []string{interpreter, "-m", "pip", "install", "-r", "requirements.txt"}, pluginWorkdir, nil, 10*time.Minute)
			if res.ExitCode != 0 {
				r.Log.WithField("plugin", node.Name).WithField("stderr", res.Stderr).Warn("Best-effort plugin dependency install failed.")
			}
		}
	}

	// Step 8: plugin dependency verification.
	if err := r.verifyPluginDependencies(ctx, interpreter, pluginDirs, opts); err != nil {
		return nil, err
	}

	// Step 9: model placement.
	if !lock.Options.SkipModels {
		if err := r.placeModels(ctx, lock, modelsDir, opts); err != nil {
			return nil, err
		}
	}

	// Step 10: extra_model_paths.yaml.
	if err := writeExtraModelPaths(engineHome, modelsDir, lock.Models); err != nil {
		return nil, err
	}

	// Step 11: persist marker; caller exports env vars.
	if err := WriteMarker(engineHome, signature); err != nil {
		return nil, err
	}

	return &Result{EngineHome: engineHome, ModelsDir: modelsDir, FastPath: false}, nil
}

func (r *Realizer) provisionInterpreter(ctx context.Context, engineHome string) (string, error) {
	python := venvPython(engineHome)
	if isExecutable(python) {
		return python, nil
	}
	base := pythonInterpreterName()
	if os.Getenv("COMFY_USE_SYSTEM_PYTHON") != "" {
		base = os.Getenv("COMFY_USE_SYSTEM_PYTHON")
	}
	args := []string{base, "-m", "venv"}
	if os.Getenv("COMFY_VENV_MODE") == "symlinks" {
		args = append(args, "--symlinks")
	} else {
		args = append(args, "--copies")
	}
	args = append(args, filepath.Join(engineHome, ".venv"))
	res := r.GW.Run(ctx, args, engineHome, nil, 5*time.Minute)
	if res.ExitCode != 0 {
		return "", orcherr.Wrap(orcherr.KindDependencyMissing, "creating virtual environment", fmt.Errorf("%s", res.Stderr))
	}
	return python, nil
}

func (r *Realizer) installRequirements(ctx context.Context, interpreter, engineHome string, opts Options) error {
	reqPath := filepath.Join(engineHome, "requirements.txt")
	if _, err := os.Stat(reqPath); err != nil {
		return nil
	}
	if opts.Offline && opts.OfflineWheelhouse == "" {
		r.Log.Warn("Offline mode with no wheelhouse supplied; skipping engine dependency install.")
		return nil
	}
	args := []string{interpreter, "-m", "pip", "install", "-r", "requirements.txt"}
	if opts.OfflineWheelhouse != "" {
		args = append(args, "--no-index", "--find-links", opts.OfflineWheelhouse)
	}
	res := r.GW.Run(ctx, args, engineHome, nil, 20*time.Minute)
	if res.ExitCode != 0 {
		return orcherr.Pip("install engine requirements", res.Stderr)
	}
	return nil
}

// verifyPluginDependencies scans every plugin's requirements.txt, queries
// the interpreter for missing distributions, attempts one batched install,
// and fails only if packages remain missing afterward (spec.md §4.6 step 8,
// Design Notes' "best-effort plugin pip install" re-architecture).
func (r *Realizer) verifyPluginDependencies(ctx context.Context, interpreter string, pluginDirs []string, opts Options) error {
	packages := map[string]bool{}
	for _, dir := range pluginDirs {
		reqPath := filepath.Join(dir, "requirements.txt")
		data, err := os.ReadFile(reqPath)
		if err != nil {
			continue
		}
		for _, name := range parseRequirementNames(string(data)) {
			packages[name] = true
		}
	}
	if len(packages) == 0 {
		return nil
	}

	var missing []string
	for name := range packages {
		res := r.GW.Run(ctx, []string{interpreter, "-m", "pip", "show", name}, "", nil, 30*time.Second)
		if res.ExitCode != 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if opts.Offline {
		return orcherr.New(orcherr.KindMissingDependencies, fmt.Sprintf("missing plugin dependencies in offline mode: %s", strings.Join(missing, ", ")))
	}

	args := append([]string{interpreter, "-m", "pip", "install"}, missing...)
	res := r.GW.Run(ctx, args, "", nil, 10*time.Minute)
	if res.ExitCode != 0 {
		return orcherr.New(orcherr.KindMissingDependencies, fmt.Sprintf("remediation install failed for %s: %s", strings.Join(missing, ", "), res.Stderr))
	}

	var stillMissing []string
	for _, name := range missing {
		res := r.GW.Run(ctx, []string{interpreter, "-m", "pip", "show", name}, "", nil, 30*time.Second)
		if res.ExitCode != 0 {
			stillMissing = append(stillMissing, name)
		}
	}
	if len(stillMissing) > 0 {
		return orcherr.New(orcherr.KindMissingDependencies, fmt.Sprintf("still missing after remediation: %s", strings.Join(stillMissing, ", ")))
	}
	return nil
}

// parseRequirementNames extracts bare package names from a requirements.txt
// body, stripping version specifiers, environment markers, and extras.
func parseRequirementNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if idx := strings.IndexAny(line, ";"); idx != -1 {
			line = line[:idx]
		}
		name := line
		for _, sep := range []string{"==", ">=", "<=", "~=", "!=", ">", "<", " "} {
			if idx := strings.Index(name, sep); idx != -1 {
				name = name[:idx]
			}
		}
		if idx := strings.Index(name, "["); idx != -1 {
			name = name[:idx]
		}
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (r *Realizer) placeModels(ctx context.Context, lock *spec.ResolvedLock, modelsDir string, opts Options) error {
	for _, m := range lock.Models {
		target := filepath.Join(modelsDir, m.TargetPath)
		if _, err := os.Stat(target); err == nil {
			if m.Checksum == "" {
				continue
			}
			if opts.Offline {
				r.Log.WithField("model", m.Name).Warn("Checksum provided but offline; skipping re-verification.")
				continue
			}
		}
		cachePath, err := r.Fetcher.EnsureCached(ctx, m.Source, m.Checksum, fetch.Options{DisplayName: m.Name, Offline: opts.Offline})
		if err != nil {
			return err
		}
		if _, err := r.Publish(cachePath, target); err != nil {
			return fmt.Errorf("publishing model %s: %w", m.Name, err)
		}
	}
	return nil
}

// knownModelSubdirs are the engine subdirectory names extra_model_paths.yaml
// always maps, regardless of which ones any individual model actually uses.
var knownModelSubdirs = []string{"checkpoints", "vae", "loras", "clip", "unet", "controlnet", "embeddings", "upscale_models"}

func writeExtraModelPaths(engineHome, modelsDir string, models []spec.ModelRef) error {
	prefixes := map[string]bool{}
	for _, name := range knownModelSubdirs {
		prefixes[name] = true
	}
	for _, m := range models {
		if m.TargetSubdir != "" {
			prefixes[strings.SplitN(m.TargetSubdir, "/", 2)[0]] = true
		}
	}
	names := make([]string, 0, len(prefixes))
	for name := range prefixes {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("comfyctl:\n")
	b.WriteString("  base_path: " + modelsDir + "\n")
	for _, name := range names {
		b.WriteString("  " + name + ": " + filepath.Join(modelsDir, name) + "\n")
	}
	return os.WriteFile(filepath.Join(engineHome, "extra_model_paths.yaml"), []byte(b.String()), 0o644)
}
