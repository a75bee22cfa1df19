package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trinity-symphony-coordination/node/internal/protocol"
)

type strategyEntry struct {
	Preferred string   `json:"preferred"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

type strategyFile struct {
	Categories map[string]strategyEntry `json:"categories"`
}

// LoadStrategies reads a strategy override file and merges it over the
// built-in routing table. Categories absent from the file keep their
// defaults.
func LoadStrategies(path string) (map[string]Strategy, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("strategies config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies config: %w", err)
	}
	var file strategyFile
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse strategies config: %w", err)
	}
	if len(file.Categories) == 0 {
		return nil, errors.New("strategies config must define categories")
	}

	strategies := defaultStrategies()
	for category, entry := range file.Categories {
		category = strings.TrimSpace(category)
		if category == "" {
			return nil, errors.New("strategy category must be non-empty")
		}
		preferred := protocol.DeploymentID(strings.TrimSpace(entry.Preferred))
		if !protocol.ValidDeployment(preferred) {
			return nil, fmt.Errorf("category %q references unknown deployment %q", category, entry.Preferred)
		}
		fallbacks := make([]protocol.DeploymentID, 0, len(entry.Fallbacks))
		for _, raw := range entry.Fallbacks {
			dep := protocol.DeploymentID(strings.TrimSpace(raw))
			if !protocol.ValidDeployment(dep) {
				return nil, fmt.Errorf("category %q fallback references unknown deployment %q", category, raw)
			}
			if dep == preferred {
				return nil, fmt.Errorf("category %q lists %q as both preferred and fallback", category, raw)
			}
			fallbacks = append(fallbacks, dep)
		}
		strategies[category] = Strategy{
			Preferred: preferred,
			Fallbacks: fallbacks,
			Rationale: strings.TrimSpace(entry.Rationale),
		}
	}
	return strategies, nil
}

// DefaultStrategiesPath resolves the per-env strategy file under the
// repository's configs directory.
func DefaultStrategiesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".strategies.json"), nil
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}
