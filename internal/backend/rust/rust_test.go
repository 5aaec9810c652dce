package rust_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/necessist/internal/backend/rust"
	"github.com/trailofbits/necessist/internal/candidate"
	"github.com/trailofbits/necessist/internal/ignore"
	"github.com/trailofbits/necessist/pkg/span"
)

const loginSource = `#[test]
fn test_login() {
    let s = Session::new();
    s.send_username("u").unwrap();
    s.send_password("p").unwrap();
    assert!(s.read().unwrap().contains("W"));
}
`

func TestParseLoginScenario(t *testing.T) {
	t.Parallel()

	sf := span.NewSourceFile("/proj/tests/login.rs", []byte(loginSource))

	b := rust.New()
	matcher := ignore.Compile(b.DefaultIgnoreRules())

	result, err := rust.ParseWithMatcher(context.Background(), sf, matcher, b.IgnoredPathDisambiguation())
	require.NoError(t, err)

	require.Len(t, result.Tests, 1)
	assert.Equal(t, "test_login", result.Tests[0].ID)

	var excerpts []string
	for _, c := range result.Candidates {
		excerpts = append(excerpts, c.Excerpt)
		assert.Equal(t, candidate.MethodCall, c.Kind)
	}

	assert.Contains(t, excerpts, `s.send_username("u")`)
	assert.Contains(t, excerpts, `s.send_password("p")`)

	for _, e := range excerpts {
		assert.NotContains(t, e, "unwrap")
		assert.NotContains(t, e, "assert!")
	}
}

const nestedLoopSource = `#[test]
fn test_nested() {
    let values = vec![1, 2, 3];
    for v in &values {
        if *v > 0 {
            let doubled = double(v);
            check(doubled);
        }
    }
}
`

// TestParseFindsCandidatesInsideNestedCompoundExpressions guards against
// ClassifyStatements treating a for/if body as opaque: candidates nested
// inside this loop's if-block must still be discovered.
func TestParseFindsCandidatesInsideNestedCompoundExpressions(t *testing.T) {
	t.Parallel()

	sf := span.NewSourceFile("/proj/tests/nested.rs", []byte(nestedLoopSource))

	b := rust.New()
	matcher := ignore.Compile(b.DefaultIgnoreRules())

	result, err := rust.ParseWithMatcher(context.Background(), sf, matcher, b.IgnoredPathDisambiguation())
	require.NoError(t, err)

	require.Len(t, result.Tests, 1)

	var excerpts []string
	for _, c := range result.Candidates {
		excerpts = append(excerpts, c.Excerpt)
	}

	assert.Equal(t, []string{"double(v)", "check(doubled)"}, excerpts)
}

func TestApplicableDetectsCargoToml(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	b := rust.New()
	assert.False(t, b.Applicable(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"x\"\n"), 0o644))
	assert.True(t, b.Applicable(dir))
}
