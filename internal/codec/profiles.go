package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"leaudio-groupd/internal/group"
)

// ProfileDefinition binds a set configuration to one or more contexts.
type ProfileDefinition struct {
	Contexts []string `json:"contexts"`
	group.SetConfiguration
}

// profileFile is the JSON structure of files in the profiles directory.
type profileFile struct {
	Profiles []ProfileDefinition `json:"profiles"`
}

// LoadProfileDir reads all *.json files from dir into a profile table keyed
// by context. A missing or empty directory yields an empty table.
func LoadProfileDir(dir string, logger *slog.Logger) (map[group.ContextType]*group.SetConfiguration, error) {
	out := make(map[group.ContextType]*group.SetConfiguration)
	if dir == "" {
		return out, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return out, fmt.Errorf("glob profiles dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no codec profile files found", "dir", dir)
		return out, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("read %s: %w", path, err)
		}

		var pf profileFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return out, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, p := range pf.Profiles {
			if p.Sink == nil && p.Source == nil {
				return out, fmt.Errorf("%s: profile %q has no direction", path, p.Name)
			}
			if err := checkDirections(&p.SetConfiguration); err != nil {
				return out, fmt.Errorf("%s: %w", path, err)
			}
			cfg := p.SetConfiguration
			for _, name := range p.Contexts {
				ctx, err := group.ParseContextType(name)
				if err != nil {
					return out, fmt.Errorf("%s: profile %q: %w", path, p.Name, err)
				}
				out[ctx] = &cfg
			}
		}
		logger.Info("loaded codec profile file", "path", filepath.Base(path), "profiles", len(pf.Profiles))
	}

	logger.Info("codec profiles loaded", "files", len(matches), "contexts", len(out))
	return out, nil
}
