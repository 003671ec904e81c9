package memcachedb

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupElectsFirstWritableServer(t *testing.T) {
	slave := newFakeDB(t, true)
	master := newFakeDB(t, false)

	g, err := newGroup(GroupConfig{
		Name:    "g1",
		Servers: []string{slave.addr(), master.addr()},
	}, 500*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, g.master)
	assert.Equal(t, master.addr(), g.master.Addr())

	// the probe itself hit the wire
	cmds := master.commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, "set CLIENT_TEST_MASTER 0 0 1\r\n0\r\n", cmds[0])
}

func TestGroupNoMaster(t *testing.T) {
	s1 := newFakeDB(t, true)
	s2 := newFakeDB(t, true)

	_, err := newGroup(GroupConfig{
		Name:    "all-slaves",
		Servers: []string{s1.addr(), s2.addr()},
	}, 500*time.Millisecond, zerolog.Nop())
	require.ErrorIs(t, err, ErrNoMaster)
}

func TestGroupDefaults(t *testing.T) {
	master := newFakeDB(t, false)
	g, err := newGroup(GroupConfig{Servers: []string{master.addr()}}, 500*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "default", g.Name())
	assert.Equal(t, 1, g.Weight())
}

func TestGroupNextSlaveRoundRobin(t *testing.T) {
	master := newFakeDB(t, false)
	slave := newFakeDB(t, true)

	g, err := newGroup(GroupConfig{
		Name:    "rr",
		Servers: []string{master.addr(), slave.addr()},
	}, 500*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	// masters are readable too: the rotation covers every server
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		s, err := g.NextSlave()
		require.NoError(t, err)
		seen[s.Addr()]++
	}
	assert.Equal(t, 2, seen[master.addr()])
	assert.Equal(t, 2, seen[slave.addr()])
}

func TestGroupNextSlaveSkipsDead(t *testing.T) {
	master := newFakeDB(t, false)
	slave := newFakeDB(t, true)

	g, err := newGroup(GroupConfig{
		Name:    "skippy",
		Servers: []string{master.addr(), slave.addr()},
	}, 500*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	for _, s := range g.servers {
		if s.Addr() == slave.addr() {
			s.markDead(assert.AnError)
		}
	}
	for i := 0; i < 3; i++ {
		s, err := g.NextSlave()
		require.NoError(t, err)
		assert.Equal(t, master.addr(), s.Addr())
	}
}

func TestGroupNextSlaveAllDeadIsRoutingFailure(t *testing.T) {
	master := newFakeDB(t, false)
	g, err := newGroup(GroupConfig{
		Name:    "doomed",
		Servers: []string{master.addr()},
	}, 500*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	g.servers[0].markDead(assert.AnError)
	_, err = g.NextSlave()
	require.ErrorIs(t, err, ErrNoServers)
}

func TestGroupMasterReelection(t *testing.T) {
	m1 := newFakeDB(t, false)
	m2 := newFakeDB(t, false)

	g, err := newGroup(GroupConfig{
		Name:    "ha",
		Servers: []string{m1.addr(), m2.addr()},
	}, 500*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, m1.addr(), g.master.Addr())

	// first master dies, election moves to the next writable server
	g.master.markDead(assert.AnError)
	s, err := g.Master()
	require.NoError(t, err)
	assert.Equal(t, m2.addr(), s.Addr())
}

func TestGroupAlive(t *testing.T) {
	master := newFakeDB(t, false)
	g, err := newGroup(GroupConfig{
		Name:    "vital",
		Servers: []string{master.addr()},
	}, 500*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, g.Alive())

	g.servers[0].markDead(assert.AnError)
	assert.False(t, g.Alive())
}

func TestGroupBadConfig(t *testing.T) {
	_, err := newGroup(GroupConfig{Name: "empty"}, time.Second, zerolog.Nop())
	require.ErrorIs(t, err, ErrBadConfig)
}
