package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MDIOAllowed(t *testing.T) {
	assert.True(t, MDIOAllowed(Attaching))
	assert.True(t, MDIOAllowed(Negotiating))
	assert.True(t, MDIOAllowed(UpToDate))
	assert.False(t, MDIOAllowed(Diskless))
	assert.False(t, MDIOAllowed(Failed))
}

func Test_OpenWriteAllowed_OnlyPrimary(t *testing.T) {
	assert.True(t, OpenWriteAllowed(Primary))
	assert.False(t, OpenWriteAllowed(Secondary))
	assert.False(t, OpenWriteAllowed(Unknown))
}

func Test_SetCState_NotifiesAndTransitions(t *testing.T) {
	m := New()
	m.SetRole(Primary)
	require.NoError(t, m.SetCState(StandAlone))

	var gotOld, gotNew ConnState
	m.OnCStateChange(func(old, n ConnState) {
		gotOld, gotNew = old, n
	})

	require.NoError(t, m.SetCState(Unconnected))
	assert.Equal(t, StandAlone, gotOld)
	assert.Equal(t, Unconnected, gotNew)
	assert.Equal(t, Unconnected, m.ConnState())
}

func Test_SetCState_UnconfiguredIsTerminalOnlyAfterTeardown(t *testing.T) {
	m := New()
	require.NoError(t, m.SetCState(StandAlone))
	require.NoError(t, m.SetCState(Unconnected))

	require.NoError(t, m.SetCState(Unconfigured))
	assert.Error(t, m.SetCState(StandAlone))
}

func Test_ConnState_SyncingAndFailed(t *testing.T) {
	assert.True(t, SyncingAll.Syncing())
	assert.True(t, SyncingQuick.Syncing())
	assert.False(t, Connected.Syncing())

	assert.True(t, Timeout.Failed())
	assert.True(t, BrokenPipe.Failed())
	assert.True(t, NetworkFailure.Failed())
	assert.False(t, Connected.Failed())
}
