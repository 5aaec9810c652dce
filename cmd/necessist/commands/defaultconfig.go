package commands

import (
	"fmt"
	"os"
	"path/filepath"
)

// starterConfig is the literal necessist.toml written by --default-config,
// matching the example in spec.md §6 field for field so a first-time user
// has every knob visible, each set to a starting value.
const starterConfig = `# necessist.toml — generated by necessist --default-config.
# Environment overrides: NECESSIST_IGNORED_FUNCTIONS, etc. (see README).

ignored_functions           = ["assert*", "console.*"]
ignored_methods             = ["toString", "toNumber"]
ignored_macros              = ["assert_eq"]
ignored_path_disambiguation = "either"
ignored_tests               = []
walkable_functions          = []
`

// writeDefaultConfig writes the starter necessist.toml into root, refusing
// to clobber an existing file — a user who already has one almost
// certainly doesn't want it silently replaced.
func writeDefaultConfig(root string) error {
	path := filepath.Join(root, "necessist.toml")

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
