package memcachedb

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// masterProbe is the writability probe sent during master election. Slaves
// answer storage commands with a non-STORED status, masters with STORED.
// The probe does write the sentinel key CLIENT_TEST_MASTER = "0" into the
// database; this side effect is observable by users and kept for wire
// compatibility with memcachedb.
const masterProbe = "set CLIENT_TEST_MASTER 0 0 1\r\n0\r\n"

// Group is a master/slave replication cluster sharing one keyspace.
// Exactly one member accepts writes; every member, the master included,
// serves reads.
type Group struct {
	name    string
	weight  int
	servers []*Server
	master  *Server
	cursor  int
	log     zerolog.Logger
}

// newGroup parses the group's endpoints and elects a master. A group
// without an electable master is not usable, so construction fails.
func newGroup(gc GroupConfig, timeout time.Duration, log zerolog.Logger) (*Group, error) {
	gc.applyDefaults()
	if err := validateGroupConfig(&gc); err != nil {
		return nil, err
	}
	g := &Group{
		name:   gc.Name,
		weight: gc.Weight,
		log:    log.With().Str("group", gc.Name).Logger(),
	}
	for _, raw := range gc.Servers {
		ep, err := parseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		g.servers = append(g.servers, newServer(ep, timeout, g.log))
	}
	if err := g.electMaster(); err != nil {
		return nil, err
	}
	return g, nil
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Weight returns the group's continuum weight.
func (g *Group) Weight() int { return g.weight }

// Alive reports whether at least one server in the group is reachable.
func (g *Group) Alive() bool {
	for _, s := range g.servers {
		if s.Alive() {
			return true
		}
	}
	return false
}

// electMaster probes servers in list order and promotes the first one that
// answers STORED.
func (g *Group) electMaster() error {
	for _, s := range g.servers {
		token, err := probeMaster(s)
		if err != nil {
			continue
		}
		if token == replyStored {
			g.master = s
			g.log.Debug().Str("master", s.Addr()).Msg("master elected")
			return nil
		}
	}
	g.master = nil
	return fmt.Errorf("%w (group %s)", ErrNoMaster, g.name)
}

// Master returns the writable server, re-running election when the cached
// master is no longer alive.
func (g *Group) Master() (*Server, error) {
	if g.master != nil && g.master.Alive() {
		return g.master, nil
	}
	if err := g.electMaster(); err != nil {
		return nil, err
	}
	return g.master, nil
}

// NextSlave advances the round-robin cursor and returns the next alive
// server. The sweep is bounded at one full pass; an all-dead group is a
// routing failure.
func (g *Group) NextSlave() (*Server, error) {
	for i := 0; i < len(g.servers); i++ {
		g.cursor = (g.cursor + 1) % len(g.servers)
		s := g.servers[g.cursor]
		if s.Alive() {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w (group %s: all slaves dead)", ErrNoServers, g.name)
}

// probeMaster sends the election probe over the server's socket and
// returns the reply token. I/O failures quarantine the server.
func probeMaster(s *Server) (string, error) {
	if s.acquireSocket() == nil {
		return "", fmt.Errorf("%w (%s)", ErrNoConnection, s.statusString())
	}
	if err := s.write([]byte(masterProbe)); err != nil {
		s.markDead(err)
		return "", err
	}
	line, err := s.readLine()
	if err != nil {
		s.markDead(err)
		return "", err
	}
	return string(trimLine(line)), nil
}
