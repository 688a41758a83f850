// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every variable read by ASA Go processes.
const EnvPrefix = "ASA_GO_"

// ParseEnv loads configuration from environment variables.
//
// Field tags are written without the shared prefix; ParseEnv adds EnvPrefix
// so `env:"TILESYNC_PORT"` reads ASA_GO_TILESYNC_PORT.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Require returns an error naming every key whose value is blank.
func Require(values map[string]string) error {
	var missing []string
	for key, value := range values {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, EnvPrefix+key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
}
