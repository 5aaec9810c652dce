package ignore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trailofbits/necessist/internal/ignore"
)

func TestMatcherWildcard(t *testing.T) {
	t.Parallel()

	m := ignore.Compile(ignore.Rules{
		Functions: []string{"assert*", "console.*"},
		Methods:   []string{"toString", "into_*"},
		Macros:    []string{"assert_eq"},
	})

	assert.True(t, m.MatchesFunction("assert"))
	assert.True(t, m.MatchesFunction("assertEq"))
	assert.True(t, m.MatchesFunction("console.log"))
	assert.False(t, m.MatchesFunction("expect"))

	assert.True(t, m.MatchesMethod("toString"))
	assert.True(t, m.MatchesMethod("into_iter"))
	assert.False(t, m.MatchesMethod("toNumber"))

	assert.True(t, m.MatchesMacro("assert_eq"))
	assert.False(t, m.MatchesMacro("println"))
}

func TestMatcherLiteralDotsAndUnderscores(t *testing.T) {
	t.Parallel()

	m := ignore.Compile(ignore.Rules{Functions: []string{"a.b.c"}})

	assert.True(t, m.MatchesFunction("a.b.c"))
	assert.False(t, m.MatchesFunction("aXbXc"))
	assert.False(t, m.MatchesFunction("a.b.cd"))
}

func TestMatchesPathDisambiguation(t *testing.T) {
	t.Parallel()

	m := ignore.Compile(ignore.Rules{
		Functions: []string{"mod.helper"},
		Methods:   []string{"helper"},
	})

	assert.True(t, m.MatchesPath("mod.helper", ignore.Function))
	// Method mode checks only the final segment, "helper", against the bare
	// method names.
	assert.True(t, m.MatchesPath("mod.helper", ignore.Method))
	assert.True(t, m.MatchesPath("mod.helper", ignore.Either))
	assert.False(t, m.MatchesPath("other.helper", ignore.Function))
	assert.True(t, m.MatchesPath("other.helper", ignore.Method))
}

func TestRulesMerge(t *testing.T) {
	t.Parallel()

	base := ignore.Rules{Functions: []string{"assert*"}}
	extra := ignore.Rules{Functions: []string{"console.*"}, Methods: []string{"toString"}}

	merged := base.Merge(extra)

	assert.Equal(t, []string{"assert*", "console.*"}, merged.Functions)
	assert.Equal(t, []string{"toString"}, merged.Methods)
}
