package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"aggregate", "validate", "audit", "publish", "replay", "version"} {
		assert.True(t, names[want], "subcommand %s", want)
	}
}

func TestPublishFlagDefaults(t *testing.T) {
	flags := publishCmd.Flags()

	mode, err := flags.GetString("mode")
	require.NoError(t, err)
	assert.Equal(t, "normal", mode)

	rate, err := flags.GetFloat64("rate")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)

	count, err := flags.GetInt("count")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReplayFlags(t *testing.T) {
	flags := replayCmd.Flags()

	assert.NotNil(t, flags.Lookup("file"))
	assert.NotNil(t, flags.Lookup("offset"))
	assert.NotNil(t, flags.Lookup("since"))
}
