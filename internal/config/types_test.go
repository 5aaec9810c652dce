package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/necessist/internal/config"
	"github.com/trailofbits/necessist/internal/ignore"
)

func validConfig() config.Config {
	return config.Config{
		IgnoredFunctions:          []string{"assert.*"},
		IgnoredMethods:            []string{"unwrap"},
		IgnoredMacros:             []string{"vec"},
		IgnoredPathDisambiguation: "either",
		IgnoredTests:              []string{"flaky_*"},
		WalkableFunctions:         []string{"helper"},
	}
}

func TestValidate_ValidConfig_NoError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_ZeroConfig_NoError(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	require.NoError(t, cfg.Validate())
}

func TestValidate_InvalidDisambiguation_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.IgnoredPathDisambiguation = "bogus"

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrInvalidDisambiguation)
}

func TestRules_ConvertsListsToIgnoreRules(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	rules := cfg.Rules()

	assert.Equal(t, []string{"assert.*"}, rules.Functions)
	assert.Equal(t, []string{"unwrap"}, rules.Methods)
	assert.Equal(t, []string{"vec"}, rules.Macros)
}

func TestDisambiguation_ExplicitValueOverridesDefault(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.Equal(t, ignore.Either, cfg.Disambiguation(ignore.Method))

	cfg.IgnoredPathDisambiguation = "method"
	assert.Equal(t, ignore.Method, cfg.Disambiguation(ignore.Either))

	cfg.IgnoredPathDisambiguation = "function"
	assert.Equal(t, ignore.Function, cfg.Disambiguation(ignore.Either))
}

func TestDisambiguation_UnsetFallsBackToBackendDefault(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	assert.Equal(t, ignore.Method, cfg.Disambiguation(ignore.Method))
}
