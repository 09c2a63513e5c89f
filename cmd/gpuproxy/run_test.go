package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFlags(t *testing.T) {
	assert := assert.New(t)

	lease := RunCmd.Flags().Lookup("task-lease-timeout")
	require.NotNil(t, lease)
	assert.Equal("0s", lease.DefValue)
	assert.Contains(lease.Usage, "must exceed the longest proof run")

	poll := RunCmd.Flags().Lookup("poll-interval")
	require.NotNil(t, poll)
	assert.Equal("10s", poll.DefValue)
}
