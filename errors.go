package memcachedb

import (
	"errors"
	"fmt"
)

var (
	// ErrNotActive is returned when an operation is attempted on a client
	// that has no groups configured.
	ErrNotActive = errors.New("memcachedb: no active groups")
	// ErrNoServers is returned when routing cannot find a group with an
	// alive server, even after failover re-hashing.
	ErrNoServers = errors.New("memcachedb: no servers available")
	// ErrNoMaster is returned when no server in a group answered the
	// master probe with STORED.
	ErrNoMaster = errors.New("memcachedb: no master server found")
	// ErrNoConnection is returned when a server's socket cannot be
	// acquired, typically because the server is quarantined.
	ErrNoConnection = errors.New("memcachedb: no connection to server")
	// ErrMalformedKey is returned for keys that contain whitespace or
	// exceed 250 characters after namespacing.
	ErrMalformedKey = errors.New("memcachedb: key is too long or contains whitespace")
	// ErrValueTooLarge is returned before any bytes hit a socket when
	// size checking is on and the serialized value exceeds 1 MiB.
	ErrValueTooLarge = errors.New("memcachedb: Value too large")
	// ErrReadonly is returned for any mutating operation on a readonly client.
	ErrReadonly = errors.New("memcachedb: update of readonly client")
	// ErrConcurrentAccess is returned when a single-goroutine client is
	// entered by a second goroutine while an operation is in flight.
	ErrConcurrentAccess = errors.New("memcachedb: concurrent access to single-goroutine client")
	// ErrCasNoUpdate is returned when Cas is called without an update function.
	ErrCasNoUpdate = errors.New("memcachedb: cas requires an update function")
	// ErrBadConfig is returned for unsupported constructor shapes or
	// invalid group and option values.
	ErrBadConfig = errors.New("memcachedb: invalid configuration")
)

// ProtocolError is raised for ERROR / CLIENT_ERROR / SERVER_ERROR response
// lines and for responses that do not match the expected shape.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return "memcachedb: protocol error"
	}
	return "memcachedb: protocol error: " + e.Msg
}

// ConnectTimeoutError is the error recorded when a TCP connect to a server
// exceeded the configured timeout.
type ConnectTimeoutError struct {
	Addr string
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("memcachedb: connect timeout to %s", e.Addr)
}
