package warnings_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/necessist/internal/warnings"
)

type fakeCounter struct {
	counts map[string]int
}

func (f *fakeCounter) IncWarning(name string) {
	if f.counts == nil {
		f.counts = map[string]int{}
	}

	f.counts[name]++
}

func TestPolicy_AllowsByDefault(t *testing.T) {
	t.Parallel()

	p := warnings.NewPolicy(nil, nil)
	assert.NoError(t, p.Check(warnings.ParseFailed))
}

func TestPolicy_DeniesSpecificName(t *testing.T) {
	t.Parallel()

	p := warnings.NewPolicy(nil, []string{string(warnings.ParseFailed)})

	err := p.Check(warnings.ParseFailed)
	require.Error(t, err)
	assert.ErrorIs(t, err, warnings.ErrDenied)

	assert.NoError(t, p.Check(warnings.DirtyRepository))
}

func TestPolicy_DenyAllCoversEveryName(t *testing.T) {
	t.Parallel()

	p := warnings.NewPolicy(nil, []string{"all"})

	for _, n := range warnings.All {
		assert.Error(t, p.Check(n))
	}
}

func TestPolicy_AllowOverridesDenyAll(t *testing.T) {
	t.Parallel()

	p := warnings.NewPolicy([]string{string(warnings.ParseFailed)}, []string{"all"})

	assert.NoError(t, p.Check(warnings.ParseFailed))
	assert.Error(t, p.Check(warnings.DirtyRepository))
}

func TestEmit_LogsAndCountsWhenAllowed(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	counter := &fakeCounter{}

	err := warnings.Emit(logger, counter, warnings.NewPolicy(nil, nil), warnings.ParseFailed, "bad.go")
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "parse-failed")
	assert.Equal(t, 1, counter.counts[string(warnings.ParseFailed)])
}

func TestEmit_ReturnsErrDeniedWithoutLoggingOrCounting(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	counter := &fakeCounter{}

	policy := warnings.NewPolicy(nil, []string{string(warnings.ParseFailed)})

	err := warnings.Emit(logger, counter, policy, warnings.ParseFailed, "bad.go")
	require.Error(t, err)
	assert.ErrorIs(t, err, warnings.ErrDenied)

	assert.Empty(t, buf.String())
	assert.Empty(t, counter.counts)
}
