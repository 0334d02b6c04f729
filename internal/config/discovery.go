package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiscoverConfigPath finds a configuration file in dir.
//
// Precedence:
//  1. gatehouse.toml
//  2. gatehouse.yaml
//  3. gatehouse.yml
//  4. gatehouse.json
func DiscoverConfigPath(dir string) (string, error) {
	candidates := CandidateConfigPaths(dir)
	for _, p := range candidates {
		if isRegularFile(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found in %s; looked for %v", dir, candidates)
}

func CandidateConfigPaths(dir string) []string {
	return []string{
		filepath.Join(dir, "gatehouse.toml"),
		filepath.Join(dir, "gatehouse.yaml"),
		filepath.Join(dir, "gatehouse.yml"),
		filepath.Join(dir, "gatehouse.json"),
	}
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}
