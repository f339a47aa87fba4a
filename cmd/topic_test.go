package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicCommands_AlwaysEnqueue(t *testing.T) {
	process := processCommand()
	require.NotNil(t, process.Flags().Lookup("force"))
	assert.Nil(t, process.Flags().Lookup("inline"))

	revert := revertCommand()
	require.NotNil(t, revert.Flags().Lookup("period"))
	assert.Nil(t, revert.Flags().Lookup("inline"))
}
