// Package fetch is the content-addressed fetcher: it downloads model
// artifacts from any of the URL schemes spec.md §4.3 names into an
// immutable cache, verifies checksums, and atomically publishes them to a
// target path. Every download lands in a unique sibling tempfile before a
// same-mount rename, so the canonical cache path is never observed
// half-written by a concurrent reader.
package fetch

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	comfyexec "github.com/openshift/comfyctl/pkg/exec"
	"github.com/openshift/comfyctl/pkg/orcherr"
)

// HTTPDoer is the subset of *retryablehttp.Client (or *http.Client) the
// fetcher needs, declared as an interface so tests can substitute an
// httptest server's client without depending on retry internals.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Gateway is the subset of pkg/exec.Gateway needed to shell out to gsutil.
type Gateway interface {
	Run(ctx context.Context, args []string, cwd string, env []string, timeout time.Duration) comfyexec.Result
}

// Fetcher implements ensure_cached/publish against a shared cache directory.
type Fetcher struct {
	CacheDir string
	HTTP     HTTPDoer
	Gateway  Gateway
	Log      *logrus.Entry
}

func New(cacheDir string, httpClient HTTPDoer, gw Gateway, log *logrus.Entry) *Fetcher {
	return &Fetcher{CacheDir: cacheDir, HTTP: httpClient, Gateway: gw, Log: log}
}

// Checksum is a parsed `<algo>:<hex>` or bare-hex (implying sha256) spec.
type Checksum struct {
	Algo string
	Hex  string
}

func (c Checksum) String() string { return c.Algo + ":" + c.Hex }

// ParseChecksum parses spec.md's checksum spec format.
func ParseChecksum(s string) (Checksum, error) {
	if s == "" {
		return Checksum{}, nil
	}
	if idx := strings.Index(s, ":"); idx != -1 {
		algo, hexPart := s[:idx], s[idx+1:]
		if algo != "sha256" && algo != "md5" {
			return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", algo)
		}
		return Checksum{Algo: algo, Hex: strings.ToLower(hexPart)}, nil
	}
	return Checksum{Algo: "sha256", Hex: strings.ToLower(s)}, nil
}

func hashFile(path, algo string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if algo == "md5" {
		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// cacheFilename derives the content-addressed filename for source, matching
// spec.md §4.3 step 1.
func cacheFilename(source string, sum Checksum) string {
	suffix := filepath.Ext(sourcePath(source))
	if sum.Hex != "" {
		return fmt.Sprintf("%s-%s%s", sum.Algo, sum.Hex, suffix)
	}
	h := sha1.Sum([]byte(source))
	return fmt.Sprintf("src-%s%s", hex.EncodeToString(h[:])[:16], suffix)
}

func sourcePath(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		return u.Path
	}
	return source
}

// SpaceChecker reports free space at a path's containing filesystem; tests
// substitute a fake to exercise ErrNoSpace without real disk pressure.
type SpaceChecker func(path string) (int64, error)

// Options configures an EnsureCached call.
type Options struct {
	DisplayName  string
	Offline      bool
	FreeSpace    SpaceChecker
	ContentLen   func(ctx context.Context, source string) (int64, bool, error)
}

// EnsureCached implements spec.md §4.3's ensure_cached algorithm and
// returns the canonical cache path for source.
func (f *Fetcher) EnsureCached(ctx context.Context, source string, checksum string, opts Options) (string, error) {
	sum, err := ParseChecksum(checksum)
	if err != nil {
		return "", orcherr.Wrap(orcherr.KindSpec, "invalid checksum spec", err)
	}
	name := cacheFilename(source, sum)
	cachePath := filepath.Join(f.CacheDir, name)

	if info, statErr := os.Stat(cachePath); statErr == nil && !info.IsDir() {
		if sum.Hex != "" {
			actual, err := hashFile(cachePath, sum.Algo)
			if err != nil {
				return "", fmt.Errorf("hashing existing cache entry %s: %w", cachePath, err)
			}
			if actual == sum.Hex {
				return cachePath, nil
			}
			if opts.Offline {
				return "", orcherr.Checksum(opts.DisplayName, sum.Hex, actual)
			}
			f.Log.WithField("source", source).Warn("Cached file checksum mismatch; refetching.")
			if err := os.Remove(cachePath); err != nil {
				return "", fmt.Errorf("removing stale cache entry: %w", err)
			}
		} else {
			return cachePath, nil
		}
	}

	if opts.Offline {
		return "", orcherr.Offline
	}

	if opts.ContentLen != nil {
		if size, ok, err := opts.ContentLen(ctx, source); err == nil && ok {
			if err := f.preflightSpace(size, opts); err != nil {
				return "", err
			}
		}
	}

	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	tmpPath := filepath.Join(f.CacheDir, ".tmp-"+uuid.NewString()+"-"+name)
	defer os.Remove(tmpPath)

	if err := f.download(ctx, source, tmpPath); err != nil {
		return "", err
	}

	if sum.Hex != "" {
		actual, err := hashFile(tmpPath, sum.Algo)
		if err != nil {
			return "", fmt.Errorf("hashing downloaded file: %w", err)
		}
		if actual != sum.Hex {
			return "", orcherr.Checksum(opts.DisplayName, sum.Hex, actual)
		}
	} else {
		// derive a sha256 to key future lookups even without an expected
		// checksum, per spec.md §4.3 step 6.
		derived, err := hashFile(tmpPath, "sha256")
		if err == nil {
			derivedPath := filepath.Join(f.CacheDir, fmt.Sprintf("sha256-%s%s", derived, filepath.Ext(name)))
			if err := os.Rename(tmpPath, derivedPath); err == nil {
				return derivedPath, nil
			}
		}
	}

	if err := os.Rename(tmpPath, cachePath); err != nil {
		return "", fmt.Errorf("publishing %s into cache: %w", source, err)
	}
	return cachePath, nil
}

func (f *Fetcher) preflightSpace(required int64, opts Options) error {
	if opts.FreeSpace == nil {
		return nil
	}
	free, err := opts.FreeSpace(f.CacheDir)
	if err != nil {
		return nil
	}
	if free < required {
		return orcherr.NoSpace(required, free, "preflight before download into cache")
	}
	return nil
}

// PublishResult reports how Publish placed the cached file at its target.
type PublishResult string

const (
	PublishLinked  PublishResult = "linked"
	PublishCopied  PublishResult = "copied"
	PublishPresent PublishResult = "present"
)

// Publish places cachePath at targetPath: same-inode is a no-op, symlink is
// tried first, and copy is the fallback, per spec.md §4.3's publish policy.
func Publish(cachePath, targetPath string) (PublishResult, error) {
	if sameFile(cachePath, targetPath) {
		return PublishPresent, nil
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("creating target directory: %w", err)
	}
	_ = os.Remove(targetPath) // replace any prior symlink/file first

	absCache, err := filepath.Abs(cachePath)
	if err != nil {
		return "", err
	}
	if err := os.Symlink(absCache, targetPath); err == nil {
		return PublishLinked, nil
	}

	if err := copyFile(cachePath, targetPath); err != nil {
		return "", fmt.Errorf("copying %s to %s: %w", cachePath, targetPath, err)
	}
	return PublishCopied, nil
}

func sameFile(a, b string) bool {
	ai, errA := os.Stat(a)
	bi, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp-" + uuid.NewString()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (f *Fetcher) download(ctx context.Context, source, dest string) error {
	scheme := detectScheme(source)
	switch scheme {
	case schemeHTTP, schemeHuggingFace, schemeCivitai:
		resolved, headers := translateHTTPLike(source, scheme)
		return f.downloadHTTP(ctx, resolved, headers, dest)
	case schemeGS:
		return f.downloadGS(ctx, source, dest)
	case schemeFile:
		return copyLocal(strings.TrimPrefix(source, "file://"), dest)
	default:
		return copyLocal(source, dest)
	}
}

func (f *Fetcher) downloadHTTP(ctx context.Context, resolved string, headers map[string]string, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return orcherr.Wrap(orcherr.KindTransport, "building request", err)
	}
	req.Header.Set("User-Agent", "comfyctl/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return orcherr.Wrap(orcherr.KindTransport, "requesting "+resolved, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return orcherr.NotFound
	}
	if resp.StatusCode >= 300 {
		return orcherr.New(orcherr.KindTransport, fmt.Sprintf("unexpected status %d fetching %s", resp.StatusCode, resolved))
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating temp download file: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	lastLog := time.Now()
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing downloaded bytes: %w", err)
			}
			written += int64(n)
			if time.Since(lastLog) > 500*time.Millisecond {
				f.Log.WithField("bytes", written).Debug("Download progress.")
				lastLog = time.Now()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return orcherr.Wrap(orcherr.KindTransport, "reading response body", readErr)
		}
	}
}

func (f *Fetcher) downloadGS(ctx context.Context, source, dest string) error {
	if f.Gateway == nil {
		return orcherr.DependencyMissing
	}
	res := f.Gateway.Run(ctx, []string{"gsutil", "cp", source, dest}, "", nil, 0)
	if res.ExitCode == -1 && strings.Contains(res.Stderr, "executable file not found") {
		return orcherr.DependencyMissing
	}
	if res.ExitCode != 0 {
		return orcherr.New(orcherr.KindTransport, fmt.Sprintf("gsutil cp failed: %s", res.Stderr))
	}
	return nil
}

func copyLocal(path, dest string) error {
	in, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return orcherr.NotFound
		}
		return orcherr.Wrap(orcherr.KindTransport, "opening local source", err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating temp download file: %w", err)
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

type scheme int

const (
	schemeUnknown scheme = iota
	schemeHTTP
	schemeFile
	schemeGS
	schemeHuggingFace
	schemeCivitai
)

func detectScheme(source string) scheme {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return schemeHTTP
	case strings.HasPrefix(source, "file://"):
		return schemeFile
	case strings.HasPrefix(source, "gs://"):
		return schemeGS
	case strings.HasPrefix(source, "hf://"):
		return schemeHuggingFace
	case strings.HasPrefix(source, "civitai://"):
		return schemeCivitai
	default:
		return schemeUnknown
	}
}

// translateHTTPLike turns hf:// and civitai:// source URLs into concrete
// HTTPS URLs plus auth headers, per spec.md §4.3.
func translateHTTPLike(source string, s scheme) (string, map[string]string) {
	headers := map[string]string{}
	switch s {
	case schemeHuggingFace:
		rest := strings.TrimPrefix(source, "hf://")
		pathPart := rest
		rev := "main"
		if u, err := url.Parse("hf://" + rest); err == nil {
			if q := u.Query().Get("rev"); q != "" {
				rev = q
			}
			pathPart = u.Host + u.Path
		}
		// pathPart is org/repo[@rev]/path
		parts := strings.SplitN(pathPart, "/", 3)
		org, repo, filePath := "", "", ""
		if len(parts) == 3 {
			org, repo, filePath = parts[0], parts[1], parts[2]
		}
		if idx := strings.Index(repo, "@"); idx != -1 {
			rev = repo[idx+1:]
			repo = repo[:idx]
		}
		resolvedURL := fmt.Sprintf("https://huggingface.co/%s/%s/resolve/%s/%s?download=true", org, repo, rev, filePath)
		if tok := firstEnv("HUGGINGFACE_TOKEN", "HF_TOKEN"); tok != "" {
			headers["Authorization"] = "Bearer " + tok
		}
		return resolvedURL, headers
	case schemeCivitai:
		rest := strings.TrimPrefix(source, "civitai://")
		var id string
		if strings.HasPrefix(rest, "api/download/models/") {
			id = strings.TrimPrefix(rest, "api/download/models/")
		} else if strings.HasPrefix(rest, "models/") {
			id = strings.TrimPrefix(rest, "models/")
		}
		resolvedURL := fmt.Sprintf("https://civitai.com/api/download/models/%s", id)
		if tok := firstEnv("CIVITAI_TOKEN"); tok != "" {
			headers["Authorization"] = "Bearer " + tok
		}
		return resolvedURL, headers
	default:
		if tok := firstEnv("HUGGINGFACE_TOKEN", "HF_TOKEN"); tok != "" && strings.Contains(source, "huggingface.co") {
			headers["Authorization"] = "Bearer " + tok
		}
		return source, headers
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// ContentLengthHEAD is a ready-made Options.ContentLen implementation doing
// an HTTP HEAD for http(s)/hf/civitai sources via the fetcher's HTTP client.
func (f *Fetcher) ContentLengthHEAD(ctx context.Context, source string) (int64, bool, error) {
	s := detectScheme(source)
	if s != schemeHTTP && s != schemeHuggingFace && s != schemeCivitai {
		return 0, false, nil
	}
	resolved, headers := translateHTTPLike(source, s)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, resolved, nil)
	if err != nil {
		return 0, false, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	if resp.ContentLength <= 0 {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				return n, true, nil
			}
		}
		return 0, false, nil
	}
	return resp.ContentLength, true, nil
}
