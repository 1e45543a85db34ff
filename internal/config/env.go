package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFiles lists the dotenv files read for a stage, lowest precedence first.
func (c *Config) EnvFiles() []string {
	files := []string{filepath.Join(c.Root, ".env")}
	if c.Stage != "" {
		files = append(files, filepath.Join(c.Root, ".env."+c.Stage))
	}
	return files
}

// LoadDotenv merges the project's dotenv files. Missing files are skipped.
func (c *Config) LoadDotenv() (map[string]string, error) {
	out := make(map[string]string)
	for _, file := range c.EnvFiles() {
		vals, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		maps.Copy(out, vals)
	}
	return out, nil
}

// RouteEnv builds the environment overlay for one route invocation:
// dotenv values, then project environment, then the route's own.
func (c *Config) RouteEnv(dotenv map[string]string, r Route) map[string]string {
	out := make(map[string]string, len(dotenv)+len(c.Environment)+len(r.Environment))
	maps.Copy(out, dotenv)
	maps.Copy(out, c.Environment)
	maps.Copy(out, r.Environment)
	return out
}
