// Package git maintains per-repo bare caches and produces pinned working
// copies for the engine and its plugins (spec.md §4.4). The Cache/Checkout
// split and the pattern of shelling out through a fixed-cwd *exec.Cmd
// builder is adapted from pkg/git.Client/Repo in the teacher corpus: there a
// Repo owns a working directory and builds every git invocation through one
// gitCommand helper that sets cwd and debug-logs the constructed args; here
// a Cache owns a single bare/mirror directory under the shared cache root
// and a Checkout owns one materialized working copy pinned to a commit.
package git

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
	"github.com/openshift/comfyctl/pkg/orcherr"
)

var fortyHex = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Gateway is the subset of pkg/exec.Gateway the git package needs; declared
// as an interface so tests can substitute a fake without shelling out.
type Gateway interface {
	Run(ctx context.Context, args []string, cwd string, env []string, timeout time.Duration) comfyexec.Result
}

// Cache manages one bare-clone cache directory for a single repository URL.
type Cache struct {
	gw     Gateway
	log    *logrus.Entry
	repo   string
	dir    string
	binary string
}

// NewCache constructs a Cache bound to dir (expected to live under
// <cache_root>/comfy/<slug> or <cache_root>/custom_nodes/<slug>@<commit>).
func NewCache(gw Gateway, log *logrus.Entry, repoURL, dir string) *Cache {
	return &Cache{gw: gw, log: log, repo: repoURL, dir: dir, binary: "git"}
}

func (c *Cache) run(ctx context.Context, args ...string) comfyexec.Result {
	full := append([]string{c.binary}, args...)
	c.log.WithField("args", full).WithField("dir", c.dir).Debug("Running git.")
	return c.gw.Run(ctx, full, c.dir, nil, 5*time.Minute)
}

func (c *Cache) exists() bool {
	if _, err := os.Stat(c.dir + "/.git"); err == nil {
		return true
	}
	// bare/mirror clones have no .git subdir; check HEAD at the root instead.
	_, err := os.Stat(c.dir + "/HEAD")
	return err == nil
}

// EnsureRepoCache clones the repo into c.dir if absent, or best-effort
// fetches updates if present and online (spec.md §4.4).
func (c *Cache) EnsureRepoCache(ctx context.Context, offline bool) error {
	if !c.exists() {
		if offline {
			return orcherr.New(orcherr.KindOfflineMissingGit, fmt.Sprintf("git cache for %s is empty and offline mode is set", c.repo))
		}
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return fmt.Errorf("creating git cache dir %s: %w", c.dir, err)
		}
		res := c.gw.Run(ctx, []string{c.binary, "clone", "--mirror", c.repo, c.dir}, "", nil, 10*time.Minute)
		if res.ExitCode != 0 {
			return orcherr.Git("clone", res.Stderr)
		}
		return nil
	}
	if offline {
		return nil
	}
	res := c.run(ctx, "fetch", "--all", "--tags", "-q")
	if res.ExitCode != 0 {
		c.log.WithField("stderr", res.Stderr).Warn("Best-effort fetch of git cache failed; continuing with existing cache.")
	}
	return nil
}

// ResolveRef resolves ref (or "HEAD") to a 40-hex commit via git ls-remote.
// A ref that already looks like a commit short-circuits with no network
// call, per spec.md §4.4.
func (c *Cache) ResolveRef(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if fortyHex.MatchString(ref) {
		return ref, nil
	}
	res := c.gw.Run(ctx, []string{c.binary, "ls-remote", c.repo, ref}, "", nil, 2*time.Minute)
	if res.ExitCode != 0 {
		return "", orcherr.Git("ls-remote", res.Stderr)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fortyHex.MatchString(fields[0]) {
			return fields[0], nil
		}
	}
	return "", orcherr.New(orcherr.KindGit, fmt.Sprintf("no commit found for ref %q of %s", ref, c.repo))
}

// HasCommit reports whether commit is reachable in the cache.
func (c *Cache) HasCommit(ctx context.Context, commit string) bool {
	res := c.run(ctx, "cat-file", "-e", commit+"^{commit}")
	return res.ExitCode == 0
}

// Checkout manages one materialized working copy pinned to a commit.
type Checkout struct {
	gw  Gateway
	log *logrus.Entry
	dir string
}

// MaterializeWorkingCopy produces a working copy at targetDir pinned to
// commit, per spec.md §4.4's exact sequence: remove any non-git stale
// target, shared-clone from the cache, point origin at the cache, fetch,
// force-checkout, hard-reset, and clean untracked files.
func (c *Cache) MaterializeWorkingCopy(ctx context.Context, targetDir, commit string, offline bool) (*Checkout, error) {
	if _, err := os.Stat(targetDir); err == nil {
		if _, gitErr := os.Stat(targetDir + "/.git"); gitErr != nil {
			if err := os.RemoveAll(targetDir); err != nil {
				return nil, fmt.Errorf("removing stale non-git target %s: %w", targetDir, err)
			}
		}
	}
	if _, err := os.Stat(targetDir + "/.git"); err != nil {
		if !c.exists() {
			if offline {
				return nil, orcherr.New(orcherr.KindOfflineMissingGit, fmt.Sprintf("git cache for %s is empty and offline mode is set", c.repo))
			}
			return nil, orcherr.New(orcherr.KindGit, fmt.Sprintf("git cache for %s does not exist", c.repo))
		}
		res := c.gw.Run(ctx, []string{c.binary, "clone", "--shared", c.dir, targetDir}, "", nil, 10*time.Minute)
		if res.ExitCode != 0 {
			return nil, orcherr.Git("clone --shared", res.Stderr)
		}
	}

	if !c.HasCommit(ctx, commit) {
		if offline {
			return nil, orcherr.New(orcherr.KindOfflineMissingGit, fmt.Sprintf("commit %s not present in offline cache for %s", commit, c.repo))
		}
		return nil, orcherr.New(orcherr.KindGit, fmt.Sprintf("commit %s not found in cache for %s", commit, c.repo))
	}

	co := &Checkout{gw: c.gw, log: c.log, dir: targetDir}
	if res := co.run(ctx, "remote", "set-url", "origin", c.dir); res.ExitCode != 0 {
		return nil, orcherr.Git("remote set-url", res.Stderr)
	}
	if res := co.run(ctx, "fetch", "origin", "--tags", "-q"); res.ExitCode != 0 {
		c.log.WithField("stderr", res.Stderr).Warn("Best-effort fetch into working copy failed.")
	}
	if res := co.run(ctx, "checkout", "--force", commit); res.ExitCode != 0 {
		return nil, orcherr.Git("checkout", res.Stderr)
	}
	if res := co.run(ctx, "reset", "--hard", commit); res.ExitCode != 0 {
		return nil, orcherr.Git("reset", res.Stderr)
	}
	if res := co.run(ctx, "clean", "-fdx"); res.ExitCode != 0 {
		return nil, orcherr.Git("clean", res.Stderr)
	}
	return co, nil
}

func (co *Checkout) run(ctx context.Context, args ...string) comfyexec.Result {
	full := append([]string{"git"}, args...)
	co.log.WithField("args", full).WithField("dir", co.dir).Debug("Running git in working copy.")
	return co.gw.Run(ctx, full, co.dir, nil, 5*time.Minute)
}

// Dir exposes the working copy's location.
func (co *Checkout) Dir() string { return co.dir }

// SlugFromRepo derives a filesystem-safe cache directory name from a repo
// URL: its last path segment with any trailing ".git" stripped.
func SlugFromRepo(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	idx := strings.LastIndexAny(trimmed, "/:")
	if idx == -1 {
		return trimmed
	}
	return trimmed[idx+1:]
}
