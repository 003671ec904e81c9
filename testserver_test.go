package memcachedb

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeItem is one stored value in a fakeDB.
type fakeItem struct {
	data  []byte
	flags uint32
	cas   uint64
}

// fakeDB is an in-memory memcachedb node speaking the text protocol subset
// the client uses. A slave node answers storage commands with NOT_STORED,
// which is exactly what master election keys on.
type fakeDB struct {
	t     *testing.T
	ln    net.Listener
	slave bool

	mu       sync.Mutex
	store    map[string]fakeItem
	casSeq   uint64
	requests []string
	conns    []net.Conn
}

func newFakeDB(t *testing.T, slave bool) *fakeDB {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeDB{
		t:     t,
		ln:    ln,
		slave: slave,
		store: make(map[string]fakeItem),
	}
	go f.acceptLoop()
	t.Cleanup(f.shutdown)
	return f
}

func (f *fakeDB) addr() string { return f.ln.Addr().String() }

func (f *fakeDB) shutdown() {
	_ = f.ln.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

// commands returns every request received so far, payloads included.
func (f *fakeDB) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeDB) record(req string) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
}

// preload stores a value directly, bypassing the wire.
func (f *fakeDB) preload(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casSeq++
	f.store[key] = fakeItem{data: data, cas: f.casSeq}
}

func (f *fakeDB) get(key string) (fakeItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.store[key]
	return it, ok
}

func (f *fakeDB) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handleConn(conn)
	}
}

func (f *fakeDB) handleConn(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "set", "add", "replace", "append", "prepend", "cas":
			if !f.handleStorage(conn, rd, fields, trimmed) {
				return
			}
		case "get", "gets":
			f.record(trimmed + "\r\n")
			f.handleGet(conn, fields)
		case "incr", "decr":
			f.record(trimmed + "\r\n")
			f.handleIncrDecr(conn, fields)
		case "delete":
			f.record(trimmed + "\r\n")
			f.handleDelete(conn, fields)
		case "stats":
			f.record(trimmed + "\r\n")
			f.writeString(conn,
				"STAT pid 20188\r\n"+
					"STAT total_items 32\r\n"+
					"STAT version 1.2.3\r\n"+
					"STAT rusage_user 1:300\r\n"+
					"STAT dummy ok\r\n"+
					"END\r\n")
		case "flush_all":
			f.record(trimmed + "\r\n")
			f.mu.Lock()
			f.store = make(map[string]fakeItem)
			f.mu.Unlock()
			f.writeString(conn, "OK\r\n")
		default:
			f.writeString(conn, "ERROR\r\n")
		}
	}
}

func (f *fakeDB) handleStorage(conn net.Conn, rd *bufio.Reader, fields []string, line string) bool {
	if len(fields) < 5 {
		f.writeString(conn, "CLIENT_ERROR bad command line format\r\n")
		return true
	}
	verb, key := fields[0], fields[1]
	flags, _ := strconv.ParseUint(fields[2], 10, 32)
	size, err := strconv.Atoi(fields[4])
	if err != nil {
		f.writeString(conn, "CLIENT_ERROR bad command line format\r\n")
		return true
	}
	noreply := fields[len(fields)-1] == "noreply"
	var casToken uint64
	if verb == "cas" && len(fields) >= 6 {
		casToken, _ = strconv.ParseUint(fields[5], 10, 64)
	}
	body := make([]byte, size+2)
	if _, err := io.ReadFull(rd, body); err != nil {
		return false
	}
	f.record(line + "\r\n" + string(body))
	data := body[:size]

	if f.slave {
		if !noreply {
			f.writeString(conn, "NOT_STORED\r\n")
		}
		return true
	}

	f.mu.Lock()
	cur, exists := f.store[key]
	reply := "STORED\r\n"
	stored := false
	switch verb {
	case "set":
		stored = true
	case "add":
		if exists {
			reply = "NOT_STORED\r\n"
		} else {
			stored = true
		}
	case "replace":
		if exists {
			stored = true
		} else {
			reply = "NOT_STORED\r\n"
		}
	case "append", "prepend":
		if exists {
			if verb == "append" {
				data = append(append([]byte{}, cur.data...), data...)
			} else {
				data = append(append([]byte{}, data...), cur.data...)
			}
			stored = true
		} else {
			reply = "NOT_STORED\r\n"
		}
	case "cas":
		switch {
		case !exists:
			reply = "NOT_FOUND\r\n"
		case cur.cas != casToken:
			reply = "EXISTS\r\n"
		default:
			stored = true
		}
	}
	if stored {
		f.casSeq++
		f.store[key] = fakeItem{data: data, flags: uint32(flags), cas: f.casSeq}
	}
	f.mu.Unlock()
	if !noreply {
		f.writeString(conn, reply)
	}
	return true
}

func (f *fakeDB) handleGet(conn net.Conn, fields []string) {
	withCas := fields[0] == "gets"
	var out strings.Builder
	f.mu.Lock()
	for _, key := range fields[1:] {
		it, ok := f.store[key]
		if !ok {
			continue
		}
		if withCas {
			out.WriteString("VALUE " + key + " " + strconv.FormatUint(uint64(it.flags), 10) +
				" " + strconv.Itoa(len(it.data)) + " " + strconv.FormatUint(it.cas, 10) + "\r\n")
		} else {
			out.WriteString("VALUE " + key + " " + strconv.FormatUint(uint64(it.flags), 10) +
				" " + strconv.Itoa(len(it.data)) + "\r\n")
		}
		out.Write(it.data)
		out.WriteString("\r\n")
	}
	f.mu.Unlock()
	out.WriteString("END\r\n")
	f.writeString(conn, out.String())
}

func (f *fakeDB) handleIncrDecr(conn net.Conn, fields []string) {
	if len(fields) < 3 {
		f.writeString(conn, "CLIENT_ERROR bad command line format\r\n")
		return
	}
	key := fields[1]
	delta, _ := strconv.ParseUint(fields[2], 10, 64)
	noreply := fields[len(fields)-1] == "noreply"
	f.mu.Lock()
	it, ok := f.store[key]
	var reply string
	if !ok {
		reply = "NOT_FOUND\r\n"
	} else {
		cur, _ := strconv.ParseUint(strings.TrimSpace(string(it.data)), 10, 64)
		if fields[0] == "incr" {
			cur += delta
		} else if delta > cur {
			cur = 0
		} else {
			cur -= delta
		}
		f.casSeq++
		f.store[key] = fakeItem{data: []byte(strconv.FormatUint(cur, 10)), cas: f.casSeq}
		reply = strconv.FormatUint(cur, 10) + "\r\n"
	}
	f.mu.Unlock()
	if !noreply {
		f.writeString(conn, reply)
	}
}

func (f *fakeDB) handleDelete(conn net.Conn, fields []string) {
	if len(fields) < 2 {
		f.writeString(conn, "CLIENT_ERROR bad command line format\r\n")
		return
	}
	key := fields[1]
	noreply := fields[len(fields)-1] == "noreply"
	f.mu.Lock()
	_, ok := f.store[key]
	delete(f.store, key)
	f.mu.Unlock()
	if noreply {
		return
	}
	if ok {
		f.writeString(conn, "DELETED\r\n")
	} else {
		f.writeString(conn, "NOT_FOUND\r\n")
	}
}

func (f *fakeDB) writeString(conn net.Conn, s string) {
	_, _ = conn.Write([]byte(s))
}

// scriptServer accepts connections and hands each to fn along with its
// zero-based index. Useful for servers that must misbehave on cue.
func scriptServer(t *testing.T, fn func(i int, conn net.Conn, rd *bufio.Reader)) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for i := 0; ; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(i int, conn net.Conn) {
				defer conn.Close()
				fn(i, conn, bufio.NewReader(conn))
			}(i, conn)
		}
	}()
	return ln.Addr().String()
}

// garbageAfterProbe serves the election probe correctly, replies garbage to
// the next command, then closes every later connection after reading one
// request line. The client sees a protocol error, retries on a fresh socket,
// hits EOF and quarantines the server.
func garbageAfterProbe(t *testing.T) string {
	return scriptServer(t, func(i int, conn net.Conn, rd *bufio.Reader) {
		if i == 0 {
			if _, err := rd.ReadString('\n'); err != nil {
				return
			}
			payload := make([]byte, 3) // "0\r\n"
			if _, err := io.ReadFull(rd, payload); err != nil {
				return
			}
			_, _ = conn.Write([]byte("STORED\r\n"))
			if _, err := rd.ReadString('\n'); err != nil {
				return
			}
			_, _ = conn.Write([]byte("!borked!\r\n"))
			return
		}
		_, _ = rd.ReadString('\n')
	})
}

// groupOf returns the configured group carrying name.
func groupOf(t *testing.T, c *Client, name string) *Group {
	for _, g := range c.groups {
		if g.name == name {
			return g
		}
	}
	t.Fatalf("no group named %q", name)
	return nil
}
