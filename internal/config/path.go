package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath is the environment variable used to override the config file path.
const EnvConfigPath = "GATEHOUSE_CONFIG"

type ConfigPathSource string

const (
	ConfigPathSourceFlag     ConfigPathSource = "flag"
	ConfigPathSourceEnv      ConfigPathSource = "env"
	ConfigPathSourceCWD      ConfigPathSource = "cwd"
	ConfigPathSourceCompiled ConfigPathSource = "compiled-in"
)

type ResolvedConfigPath struct {
	// Path is empty when Source is ConfigPathSourceCompiled.
	Path   string
	Source ConfigPathSource
}

// ResolveConfigPath resolves the effective configuration file path.
//
// Precedence:
//  1. explicitFlagPath (from -config)
//  2. GATEHOUSE_CONFIG environment variable
//  3. Auto-discovery in the current working directory
//  4. no file: the compiled-in defaults apply
//
// An explicit path (flag or env) must exist; discovery never fails.
func ResolveConfigPath(explicitFlagPath string) (ResolvedConfigPath, error) {
	if p := strings.TrimSpace(explicitFlagPath); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceFlag}, nil
	}

	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceEnv}, nil
	}

	if p, err := DiscoverConfigPath("."); err == nil {
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceCWD}, nil
	}

	return ResolvedConfigPath{Source: ConfigPathSourceCompiled}, nil
}

// Provider returns the ConfigProvider matching the resolved path.
func (r ResolvedConfigPath) Provider() ConfigProvider {
	if r.Path == "" {
		return DefaultConfigProvider{}
	}
	return NewFileConfigProvider(r.Path)
}

func normalizeExplicitPath(p string) (string, error) {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("config: empty config path")
	}

	fi, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("config: stat %s: %w", p, err)
	}
	if fi.IsDir() {
		discovered, derr := DiscoverConfigPath(p)
		if derr != nil {
			return "", fmt.Errorf("config: %w", derr)
		}
		return discovered, nil
	}
	return p, nil
}
