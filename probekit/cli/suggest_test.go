package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownCommandError(t *testing.T) {
	t.Parallel()

	commands := []string{"probe", "scan", "cookies", "oast", "init"}

	t.Run("suggests_close_match", func(t *testing.T) {
		err := UnknownCommandError("porbe", commands)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown command: porbe")
		assert.Contains(t, err.Error(), `did you mean "probe"?`)
	})

	t.Run("no_suggestion_for_distant_input", func(t *testing.T) {
		err := UnknownCommandError("frobnicate", commands)
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "did you mean")
	})
}

func TestUnknownSubcommandError(t *testing.T) {
	t.Parallel()

	err := UnknownSubcommandError("scan", "stauts", []string{"create", "status", "stop"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scan subcommand: stauts")
	assert.Contains(t, err.Error(), `did you mean "status"?`)
}

func TestFindClosest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		input      string
		candidates []string
		expected   string
	}{
		{name: "exact_match", input: "status", candidates: []string{"status", "stop"}, expected: "status"},
		{name: "single_transposition", input: "statsu", candidates: []string{"status", "stop"}, expected: "status"},
		{name: "too_distant", input: "zzzzzzzzzz", candidates: []string{"status", "stop"}, expected: ""},
		{name: "no_candidates", input: "status", candidates: nil, expected: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, findClosest(tc.input, tc.candidates))
		})
	}
}
