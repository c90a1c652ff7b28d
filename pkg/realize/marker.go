package realize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/openshift/comfyctl/pkg/spec"
)

// markerComfy and markerNode mirror spec.md §3's PreparedMarker signature
// shape: only repo+commit, never the full resolved-lock document.
type markerComfy struct {
	Repo   string `json:"repo"`
	Commit string `json:"commit"`
}

type markerNode struct {
	Repo   string `json:"repo"`
	Commit string `json:"commit"`
}

// Marker is the readiness-marker document written to
// <engine_home>/.prepared.json at the end of a successful realization.
type Marker struct {
	VersionID   string       `json:"version_id"`
	Comfy       markerComfy  `json:"comfy"`
	CustomNodes []markerNode `json:"custom_nodes"`
}

// SignatureFor derives the marker signature from a resolved lock, with
// custom nodes sorted by repo for a stable comparison.
func SignatureFor(lock *spec.ResolvedLock) Marker {
	nodes := make([]markerNode, 0, len(lock.CustomNodes))
	for _, n := range lock.CustomNodes {
		nodes = append(nodes, markerNode{Repo: n.Repo, Commit: n.Commit})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Repo < nodes[j].Repo })
	return Marker{
		VersionID:   lock.VersionID,
		Comfy:       markerComfy{Repo: lock.Comfy.Repo, Commit: lock.Comfy.Commit},
		CustomNodes: nodes,
	}
}

func markerPath(engineHome string) string {
	return filepath.Join(engineHome, ".prepared.json")
}

// ReadMarker loads an existing marker, returning (nil, nil) if absent.
func ReadMarker(engineHome string) (*Marker, error) {
	data, err := os.ReadFile(markerPath(engineHome))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading prepared marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing prepared marker: %w", err)
	}
	return &m, nil
}

// WriteMarker persists m to <engine_home>/.prepared.json.
func WriteMarker(engineHome string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling prepared marker: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(markerPath(engineHome), data, 0o644)
}

func (m Marker) equal(other Marker) bool {
	if m.VersionID != other.VersionID || m.Comfy != other.Comfy {
		return false
	}
	if len(m.CustomNodes) != len(other.CustomNodes) {
		return false
	}
	for i := range m.CustomNodes {
		if m.CustomNodes[i] != other.CustomNodes[i] {
			return false
		}
	}
	return true
}
