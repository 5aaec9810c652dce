// Package config loads necessist.toml: the ignore-rule overrides and
// per-project overrides layered on top of each backend's built-in
// DefaultIgnoreRules.
package config

import (
	"errors"
	"fmt"

	"github.com/trailofbits/necessist/internal/ignore"
)

// Config is the top-level configuration struct for necessist.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	IgnoredFunctions          []string `mapstructure:"ignored_functions"`
	IgnoredMethods            []string `mapstructure:"ignored_methods"`
	IgnoredMacros             []string `mapstructure:"ignored_macros"`
	IgnoredPathDisambiguation string   `mapstructure:"ignored_path_disambiguation"`
	IgnoredTests              []string `mapstructure:"ignored_tests"`
	WalkableFunctions         []string `mapstructure:"walkable_functions"`
}

// Sentinel errors for configuration validation.
var (
	// ErrInvalidDisambiguation indicates ignored_path_disambiguation is
	// not one of "either", "function", "method".
	ErrInvalidDisambiguation = errors.New(`ignored_path_disambiguation must be "either", "function", or "method"`)
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	switch c.IgnoredPathDisambiguation {
	case "", "either", "function", "method":
		return nil
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidDisambiguation, c.IgnoredPathDisambiguation)
	}
}

// Rules converts the file's ignore lists into an ignore.Rules value, ready
// to be merged with a backend's DefaultIgnoreRules.
func (c *Config) Rules() ignore.Rules {
	return ignore.Rules{
		Functions: c.IgnoredFunctions,
		Methods:   c.IgnoredMethods,
		Macros:    c.IgnoredMacros,
		Walkable:  c.WalkableFunctions,
	}
}

// Disambiguation converts IgnoredPathDisambiguation into an
// ignore.Disambiguation, falling back to def (the backend's own default)
// when the field was left unset.
func (c *Config) Disambiguation(def ignore.Disambiguation) ignore.Disambiguation {
	switch c.IgnoredPathDisambiguation {
	case "function":
		return ignore.Function
	case "method":
		return ignore.Method
	case "either":
		return ignore.Either
	default:
		return def
	}
}
