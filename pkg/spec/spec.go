// Package spec validates version specs (schema_version 2) and resolves
// them into deterministic, fully-pinned locks (spec.md §3, §4.5). Parsing
// is total: every field lands in a typed struct up front, and validation
// never goes back to probe for field presence afterward, per the "dynamic
// object-shape specs" re-architecture in spec.md's Design Notes.
package spec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openshift/comfyctl/pkg/orcherr"
)

// ComfyRef names the engine's source revision.
type ComfyRef struct {
	Repo   string `json:"repo"`
	Ref    string `json:"ref,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// NodeRef names one plugin's source revision.
type NodeRef struct {
	Name   string `json:"name,omitempty"`
	Repo   string `json:"repo"`
	Ref    string `json:"ref,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// ModelRef names one model artifact.
type ModelRef struct {
	Source       string `json:"source"`
	Name         string `json:"name,omitempty"`
	TargetSubdir string `json:"target_subdir,omitempty"`
	TargetPath   string `json:"target_path,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// Options carries the spec's boolean switches.
type Options struct {
	Offline    bool `json:"offline"`
	SkipModels bool `json:"skip_models"`
}

// VersionSpec is the immutable user document (spec.md §3).
type VersionSpec struct {
	SchemaVersion int               `json:"schema_version"`
	VersionID     string            `json:"version_id"`
	Comfy         ComfyRef          `json:"comfy"`
	CustomNodes   []NodeRef         `json:"custom_nodes"`
	Models        []ModelRef        `json:"models"`
	Env           map[string]string `json:"env,omitempty"`
	Options       Options           `json:"options"`
}

// ResolvedLock is VersionSpec with every mutable reference pinned.
type ResolvedLock struct {
	SchemaVersion int               `json:"schema_version"`
	VersionID     string            `json:"version_id"`
	Comfy         ComfyRef          `json:"comfy"`
	CustomNodes   []NodeRef         `json:"custom_nodes"`
	Models        []ModelRef        `json:"models"`
	Env           map[string]string `json:"env,omitempty"`
	Options       Options           `json:"options"`
}

// rawSpec accepts loosely-typed option values ("true"/"1"/etc.) before
// coercion to bool, per spec.md §4's validation rule.
type rawSpec struct {
	SchemaVersion *int                       `json:"schema_version"`
	VersionID     *string                    `json:"version_id"`
	Comfy         *ComfyRef                  `json:"comfy"`
	CustomNodes   []NodeRef                  `json:"custom_nodes"`
	Models        []ModelRef                 `json:"models"`
	Env           map[string]interface{}     `json:"env"`
	Options       map[string]json.RawMessage `json:"options"`
}

var allowedOptionKeys = map[string]bool{"offline": true, "skip_models": true}

// Parse validates raw JSON bytes and returns a VersionSpec, or an
// *orcherr.Error with Kind=spec describing the first validation failure.
func Parse(data []byte) (*VersionSpec, error) {
	var raw rawSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, orcherr.Wrap(orcherr.KindSpec, "spec is not a valid JSON object", err)
	}
	if raw.SchemaVersion == nil || *raw.SchemaVersion != 2 {
		return nil, orcherr.New(orcherr.KindSpec, "schema_version must be 2")
	}
	if raw.VersionID == nil || strings.TrimSpace(*raw.VersionID) == "" {
		return nil, orcherr.New(orcherr.KindSpec, "version_id must be a non-empty string")
	}
	if raw.Comfy == nil || strings.TrimSpace(raw.Comfy.Repo) == "" {
		return nil, orcherr.New(orcherr.KindSpec, "comfy.repo must be a non-empty string")
	}
	for i, n := range raw.CustomNodes {
		if strings.TrimSpace(n.Repo) == "" {
			return nil, orcherr.New(orcherr.KindSpec, fmt.Sprintf("custom_nodes[%d].repo must be a non-empty string", i))
		}
	}
	for i, m := range raw.Models {
		if strings.TrimSpace(m.Source) == "" {
			return nil, orcherr.New(orcherr.KindSpec, fmt.Sprintf("models[%d].source must be a non-empty string", i))
		}
	}
	for k, v := range raw.Env {
		if _, ok := v.(string); !ok {
			return nil, orcherr.New(orcherr.KindSpec, fmt.Sprintf("env[%s] must be a string value", k))
		}
	}
	options, err := coerceOptions(raw.Options)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(raw.Env))
	for k, v := range raw.Env {
		env[k] = v.(string)
	}

	return &VersionSpec{
		SchemaVersion: *raw.SchemaVersion,
		VersionID:     *raw.VersionID,
		Comfy:         *raw.Comfy,
		CustomNodes:   raw.CustomNodes,
		Models:        raw.Models,
		Env:           env,
		Options:       options,
	}, nil
}

func coerceOptions(raw map[string]json.RawMessage) (Options, error) {
	var opts Options
	for k := range raw {
		if !allowedOptionKeys[k] {
			return Options{}, orcherr.New(orcherr.KindSpec, fmt.Sprintf("unknown option key %q", k))
		}
	}
	if v, ok := raw["offline"]; ok {
		b, err := coerceBool(v)
		if err != nil {
			return Options{}, orcherr.Wrap(orcherr.KindSpec, "options.offline must be boolean-like", err)
		}
		opts.Offline = b
	}
	if v, ok := raw["skip_models"]; ok {
		b, err := coerceBool(v)
		if err != nil {
			return Options{}, orcherr.Wrap(orcherr.KindSpec, "options.skip_models must be boolean-like", err)
		}
		opts.SkipModels = b
	}
	return opts, nil
}

func coerceBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	}
	return false, fmt.Errorf("value is neither a bool nor a \"true\"/\"false\"/\"1\"/\"0\" string")
}

// RefResolver resolves a symbolic ref (or empty for HEAD) against repoURL to
// a commit. pkg/git.Cache implements this.
type RefResolver interface {
	ResolveRef(ctx context.Context, ref string) (string, error)
}

// CacheFor constructs (or looks up) the RefResolver for repoURL; the caller
// supplies this so pkg/spec stays independent of the concrete git cache
// directory layout.
type CacheFor func(repoURL string) RefResolver

// Resolve turns a validated VersionSpec into a ResolvedLock per spec.md
// §4.5: merges offline flags, pins every commit, derives every model's
// target path, and derives plugin names from repo slugs.
func Resolve(ctx context.Context, s *VersionSpec, cacheFor CacheFor, callerOffline bool, log *logrus.Entry) (*ResolvedLock, error) {
	offline := s.Options.Offline || callerOffline

	lock := &ResolvedLock{
		SchemaVersion: s.SchemaVersion,
		VersionID:     s.VersionID,
		Options:       Options{Offline: offline, SkipModels: s.Options.SkipModels},
	}
	if len(s.Env) > 0 {
		lock.Env = s.Env
	}

	comfy := s.Comfy
	if comfy.Commit == "" {
		if offline {
			log.Warnf("comfy.commit is unset and offline mode is active; continuing with an empty commit for %s", comfy.Repo)
		} else {
			commit, err := cacheFor(comfy.Repo).ResolveRef(ctx, firstNonEmpty(comfy.Ref, "HEAD"))
			if err != nil {
				return nil, err
			}
			comfy.Commit = commit
		}
	}
	lock.Comfy = comfy

	for _, n := range s.CustomNodes {
		resolved := n
		if resolved.Name == "" {
			resolved.Name = slugFromRepo(n.Repo)
		}
		if resolved.Commit == "" {
			if offline {
				log.Warnf("custom_nodes %s: commit is unset and offline mode is active; continuing with an empty commit", resolved.Name)
			} else {
				commit, err := cacheFor(n.Repo).ResolveRef(ctx, firstNonEmpty(n.Ref, "HEAD"))
				if err != nil {
					return nil, err
				}
				resolved.Commit = commit
			}
		}
		lock.CustomNodes = append(lock.CustomNodes, resolved)
	}

	for _, m := range s.Models {
		resolved := m
		if resolved.TargetPath == "" {
			switch {
			case resolved.TargetSubdir != "" && resolved.Name != "":
				resolved.TargetPath = resolved.TargetSubdir + "/" + resolved.Name
			case resolved.Name != "":
				log.Warnf("model %s has no target_subdir; placing at the root of the models dir", resolved.Name)
				resolved.TargetPath = resolved.Name
			default:
				return nil, orcherr.New(orcherr.KindSpec, fmt.Sprintf("model with source %q has neither target_path nor a derivable name", resolved.Source))
			}
		}
		lock.Models = append(lock.Models, resolved)
	}

	return lock, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func slugFromRepo(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	idx := strings.LastIndexAny(trimmed, "/:")
	if idx == -1 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// Marshal renders lock as sorted-keys, indent-2 JSON with a trailing
// newline, matching spec.md §4.5's determinism requirement. encoding/json
// writes struct fields in declaration order but sorts map keys, so the lock
// is re-read into generic maps before the indented encode.
func Marshal(lock *ResolvedLock) ([]byte, error) {
	raw, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("marshaling resolved lock: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("re-reading resolved lock: %w", err)
	}
	data, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling resolved lock: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a previously-written ResolvedLock document.
func Unmarshal(data []byte) (*ResolvedLock, error) {
	var lock ResolvedLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parsing resolved lock: %w", err)
	}
	return &lock, nil
}
