package config

import (
	"path/filepath"
	"strings"
)

// SourceFiles returns the list of files that contributed configuration entries.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	files := make([]string, 0, 2)
	for _, path := range []string{cfg.Source, cfg.RegisterSource} {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		files = append(files, abs)
	}
	return files
}
