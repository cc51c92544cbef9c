package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ResolvesDeclarationsDir(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "chain.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "declarations", "chain"), s.DeclarationsDir)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenario_FromTempDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: s
description: d
declarations_dir: decl
steps: [{run: {}}]
assertions: [{type: journal_count, tag: x}]
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "decl"), s.DeclarationsDir)
}

func TestParseScenario_Validation(t *testing.T) {
	const head = "name: s\ndescription: d\ndeclarations: \"policy: A: {}\"\n"
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", head + "stepz: []\n", "failed to parse YAML"},
		{"missing name", "description: d\n", "name is required"},
		{"missing declarations", "name: s\ndescription: d\nsteps: [{run: {}}]\nassertions: [{type: journal_count, tag: x}]\n", "declarations"},
		{"no steps", head + "assertions: [{type: journal_count, tag: x}]\n", "steps list is required"},
		{"no assertions", head + "steps: [{run: {}}]\n", "assertions list is required"},
		{"two actions in a step", head + "steps: [{run: {}, reset: {entity: E, config: c}}]\nassertions: [{type: journal_count, tag: x}]\n", "exactly one"},
		{"bad reviewer", head + "steps: [{review: {reviewer: fancy}}]\nassertions: [{type: journal_count, tag: x}]\n", "unknown reviewer"},
		{"bad outcome", head + "units: {u: {fail_trials: 1, outcome: melt}}\nsteps: [{run: {}}]\nassertions: [{type: journal_count, tag: x}]\n", "unknown outcome"},
		{"outcome required", head + "units: {u: {fail_trials: 1}}\nsteps: [{run: {}}]\nassertions: [{type: journal_count, tag: x}]\n", "outcome is required"},
		{"bad assertion", head + "steps: [{run: {}}]\nassertions: [{type: vibes}]\n", "unknown assertion type"},
		{"task_state fields", head + "steps: [{run: {}}]\nassertions: [{type: task_state, entity: E}]\n", "required for task_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
