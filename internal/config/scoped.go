package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// scopedFile is the only part of a per-project or per-session file that is read.
type scopedFile struct {
	Router *RouterConfig `yaml:"Router" json:"Router"`
}

// LoadScopedRouter returns the Router section overriding the global one for a
// session of project. <dir>/<project>/<session>.json wins over
// <dir>/<project>/config.json. found is false when neither has a Router section.
func LoadScopedRouter(dir, project, session string) (RouterConfig, bool, error) {
	if dir == "" || project == "" || !safeSegment(project) {
		return RouterConfig{}, false, nil
	}

	var candidates []string
	if session != "" && safeSegment(session) {
		candidates = append(candidates, filepath.Join(dir, project, session+".json"))
	}
	candidates = append(candidates, filepath.Join(dir, project, "config.json"))

	for _, path := range candidates {
		rc, ok, err := readScoped(path)
		if err != nil {
			return RouterConfig{}, false, err
		}
		if ok {
			return rc, true, nil
		}
	}
	return RouterConfig{}, false, nil
}

func readScoped(path string) (RouterConfig, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return RouterConfig{}, false, nil
	}
	if err != nil {
		return RouterConfig{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	var f scopedFile
	if err := decode(data, &f); err != nil {
		return RouterConfig{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Router == nil {
		return RouterConfig{}, false, nil
	}
	return *f.Router, true, nil
}

// safeSegment rejects ids that would escape the config directory.
func safeSegment(s string) bool {
	return s != "." && s != ".." && filepath.Base(s) == s
}
