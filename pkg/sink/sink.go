// Package sink emits a completed workflow's collected bytes either as
// base64 text or to object storage (spec.md §4.8). The bucket write path
// is adapted from cmd/pod-scaler/storage.go's bucketCache: a thin wrapper
// around a *storage.BucketHandle, retried with backoff instead of a fixed
// 5-attempt deadline loop, since spec.md makes retry count/backoff
// independently configurable.
package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/storage"
	kerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/openshift/comfyctl/pkg/orcherr"
)

// Result is the shape every sink mode returns (spec.md §4.8).
type Result struct {
	URL       string `json:"url"`
	GCSPath   string `json:"gcs_path,omitempty"`
	SignedURL string `json:"signed_url,omitempty"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
}

// mimeByExtension is the fixed lookup table spec.md §4.8 names; unknown
// extensions fall back to application/octet-stream.
var mimeByExtension = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".json": "application/json",
	".bin":  "application/octet-stream",
}

func mimeType(ext string) string {
	if mime, ok := mimeByExtension[strings.ToLower(ext)]; ok {
		return mime
	}
	return "application/octet-stream"
}

// Base64 encodes data as base64 text. With an empty outputPath the text is
// returned in Result.URL; otherwise it is written to outputPath and
// Result.URL holds that path. Nothing is written to stdout.
func Base64(data []byte, ext string, outputPath string) (*Result, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(encoded), 0o644); err != nil {
			return nil, fmt.Errorf("writing base64 output file: %w", err)
		}
		return &Result{URL: outputPath, Size: int64(len(data)), Extension: ext}, nil
	}
	return &Result{URL: encoded, Size: int64(len(data)), Extension: ext}, nil
}

// BucketHandle is the subset of *storage.BucketHandle that GCS needs;
// *storage.BucketHandle satisfies it.
type BucketHandle interface {
	Object(name string) *storage.ObjectHandle
	Attrs(ctx context.Context) (*storage.BucketAttrs, error)
	IAM() *iam.Handle
}

// GCSOptions configures a GCS upload, sourced from environment variables
// per spec.md §4.8's GCS discipline.
type GCSOptions struct {
	Bucket         string
	Prefix         string
	RequestID      string
	Retries        int
	RetryBaseSleep time.Duration
	Public         bool
	SignedURLTTL   time.Duration
	SignBytes      func([]byte) ([]byte, error) // injected signer for signed URLs; nil disables them.
	Preflight      bool
}

// GCSOptionsFromEnv reads GCS_RETRIES, GCS_RETRY_BASE_SLEEP, GCS_PUBLIC, and
// GCS_SIGNED_URL_TTL per spec.md §4.8's defaults.
func GCSOptionsFromEnv(bucket, prefix, requestID string) GCSOptions {
	opts := GCSOptions{
		Bucket:         bucket,
		Prefix:         prefix,
		RequestID:      requestID,
		Retries:        3,
		RetryBaseSleep: 500 * time.Millisecond,
	}
	if v := os.Getenv("GCS_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Retries = n
		}
	}
	if v := os.Getenv("GCS_RETRY_BASE_SLEEP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.RetryBaseSleep = time.Duration(f * float64(time.Second))
		}
	}
	opts.Public = isTruthy(os.Getenv("GCS_PUBLIC"))
	if v := os.Getenv("GCS_SIGNED_URL_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.SignedURLTTL = time.Duration(n) * time.Second
		}
	}
	return opts
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// objectName derives <prefix>/<request_id?>_<UTC-timestamp>-<rand8>.<ext>
// per spec.md §4.8.
func objectName(prefix, requestID, ext string, now time.Time, rnd string) string {
	stamp := now.UTC().Format("20060102T150405Z")
	base := stamp + "-" + rnd + ext
	if requestID != "" {
		base = requestID + "_" + base
	}
	return path.Join(prefix, base)
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// GCS uploads data to bucket/prefix with exponential backoff, per spec.md
// §4.8. It fails with an auth error unless GOOGLE_APPLICATION_CREDENTIALS
// names an existing file; constructing the storage client behind bucket is
// left to the caller.
func GCS(ctx context.Context, bucket BucketHandle, data []byte, ext string, opts GCSOptions, now time.Time) (*Result, error) {
	if _, err := os.Stat(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); err != nil {
		return nil, orcherr.New(orcherr.KindAuth, "GOOGLE_APPLICATION_CREDENTIALS does not point at a readable credential file")
	}

	if opts.Preflight {
		if _, err := bucket.Attrs(ctx); err != nil {
			return nil, orcherr.Wrap(orcherr.KindAuth, "preflight GetBucket failed", err)
		}
		granted, err := bucket.IAM().TestPermissions(ctx, []string{"storage.objects.create"})
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindAuth, "preflight TestIamPermissions failed", err)
		}
		if len(granted) == 0 {
			return nil, orcherr.New(orcherr.KindAuth, "preflight TestIamPermissions denied storage.objects.create")
		}
	}

	name := objectName(opts.Prefix, opts.RequestID, ext, now, randomSuffix())
	object := bucket.Object(name)

	var lastErr error
	sleep := opts.RetryBaseSleep
	for attempt := 0; attempt < maxInt(opts.Retries, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
			sleep *= 2
		}
		lastErr = uploadOnce(ctx, object, data, mimeType(ext))
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, orcherr.Wrap(orcherr.KindTransport, "uploading to GCS after retries", lastErr)
	}

	if opts.Public {
		if err := object.ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
			return nil, kerrors.NewAggregate([]error{fmt.Errorf("setting public ACL: %w", err)})
		}
	}

	result := &Result{
		URL:       fmt.Sprintf("gs://%s/%s", opts.Bucket, name),
		GCSPath:   name,
		Size:      int64(len(data)),
		Extension: ext,
	}

	if opts.SignedURLTTL > 0 && opts.SignBytes != nil {
		signedURL, err := storage.SignedURL(opts.Bucket, name, &storage.SignedURLOptions{
			Method:         "GET",
			Expires:        now.Add(opts.SignedURLTTL),
			GoogleAccessID: os.Getenv("GCS_SERVICE_ACCOUNT_EMAIL"),
			SignBytes:      opts.SignBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("signing URL: %w", err)
		}
		result.SignedURL = signedURL
	}

	return result, nil
}

func uploadOnce(ctx context.Context, object *storage.ObjectHandle, data []byte, contentType string) error {
	w := object.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
