// Package registry wires the six concrete backends behind the
// backend.Backend capability set, used by --framework auto/explicit
// selection. It is the one package allowed to import every backend
// implementation; internal/backend itself stays free of that dependency
// so the six implementations can depend on it without a cycle.
package registry

import (
	"fmt"

	"github.com/trailofbits/necessist/internal/backend"
	"github.com/trailofbits/necessist/internal/backend/foundry"
	"github.com/trailofbits/necessist/internal/backend/golang"
	"github.com/trailofbits/necessist/internal/backend/rust"
	"github.com/trailofbits/necessist/internal/backend/tsfamily"
)

// All returns one instance of every backend, in the fixed order used for
// --framework auto detection.
func All() []backend.Backend {
	return []backend.Backend{
		rust.New(),
		golang.New(),
		foundry.New(),
		tsfamily.NewAnchor(),
		tsfamily.NewHardhat(),
		tsfamily.NewVitest(),
	}
}

// ByName resolves an explicit --framework value to its backend.
func ByName(name string) (backend.Backend, error) {
	for _, b := range All() {
		if b.Name() == name {
			return b, nil
		}
	}

	return nil, fmt.Errorf("unknown framework %q", name)
}

// Detect returns the first backend whose Applicable(root) is true, in
// All's fixed order. Ambiguity (two applicable backends, e.g. a
// Hardhat project that also embeds Vitest config) is resolved in favor
// of whichever appears first in that order; the caller can always
// override with an explicit --framework.
func Detect(root string) (backend.Backend, bool) {
	for _, b := range All() {
		if b.Applicable(root) {
			return b, true
		}
	}

	return nil, false
}
