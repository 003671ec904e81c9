package memcachedb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// StoreResult is the literal status a server answers a storage command with.
type StoreResult string

const (
	Stored    StoreResult = "STORED"
	NotStored StoreResult = "NOT_STORED"
	Exists    StoreResult = "EXISTS"
	NotFound  StoreResult = "NOT_FOUND"
)

const (
	replyStored   = "STORED"
	replyDeleted  = "DELETED"
	replyNotFound = "NOT_FOUND"
	replyEnd      = "END"
	replyOK       = "OK"
)

// trimLine strips the trailing CRLF (or bare LF) from a response line.
func trimLine(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// errorFromLine maps ERROR / CLIENT_ERROR / SERVER_ERROR lines to a
// ProtocolError carrying the trimmed trailing message. Other lines map to nil.
func errorFromLine(line string) error {
	var msg string
	switch {
	case strings.HasPrefix(line, "CLIENT_ERROR"):
		msg = strings.TrimPrefix(line, "CLIENT_ERROR")
	case strings.HasPrefix(line, "SERVER_ERROR"):
		msg = strings.TrimPrefix(line, "SERVER_ERROR")
	case strings.HasPrefix(line, "ERROR"):
		msg = strings.TrimPrefix(line, "ERROR")
	default:
		return nil
	}
	return &ProtocolError{Msg: strings.TrimSpace(msg)}
}

// readReplyLine reads one response line, surfacing protocol error lines.
func readReplyLine(s *Server) (string, error) {
	raw, err := s.readLine()
	if err != nil {
		return "", err
	}
	line := string(trimLine(raw))
	if err := errorFromLine(line); err != nil {
		return "", err
	}
	return line, nil
}

// buildStorageCommand renders
// "<verb> <key> 0 <exptime> <bytes>[ <cas>][ noreply]\r\n<payload>\r\n".
func buildStorageCommand(verb, key string, value []byte, exptime int, cas uint64, withCas, noreply bool) []byte {
	var buf bytes.Buffer
	buf.Grow(len(verb) + len(key) + len(value) + 40)
	if withCas {
		fmt.Fprintf(&buf, "%s %s 0 %d %d %d", verb, key, exptime, len(value), cas)
	} else {
		fmt.Fprintf(&buf, "%s %s 0 %d %d", verb, key, exptime, len(value))
	}
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	buf.Write(value)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// storeOnServer runs one storage command. With noreply the response read is
// skipped and the zero StoreResult is returned.
func storeOnServer(s *Server, verb, key string, value []byte, exptime int, cas uint64, withCas, noreply bool) (StoreResult, error) {
	if err := s.write(buildStorageCommand(verb, key, value, exptime, cas, withCas, noreply)); err != nil {
		return "", err
	}
	if noreply {
		return "", nil
	}
	line, err := readReplyLine(s)
	if err != nil {
		return "", err
	}
	switch StoreResult(line) {
	case Stored, NotStored, Exists, NotFound:
		return StoreResult(line), nil
	}
	return "", &ProtocolError{Msg: fmt.Sprintf("unexpected %s response %q", verb, line)}
}

// item is one value returned by get/gets.
type item struct {
	key   string
	flags uint32
	cas   uint64
	data  []byte
}

// getFromServer issues one get (or gets) for keys and collects the returned
// values keyed by the key names the server echoed back.
func getFromServer(s *Server, verb string, keys []string) (map[string]item, error) {
	cmd := verb + " " + strings.Join(keys, " ") + "\r\n"
	if err := s.write([]byte(cmd)); err != nil {
		return nil, err
	}
	found := make(map[string]item)
	for {
		raw, err := s.readLine()
		if err != nil {
			return nil, err
		}
		line := string(trimLine(raw))
		if line == replyEnd {
			return found, nil
		}
		if err := errorFromLine(line); err != nil {
			return nil, err
		}
		it, size, err := parseValueLine(line)
		if err != nil {
			return nil, err
		}
		body, err := s.readExact(size + 2)
		if err != nil {
			return nil, err
		}
		if !bytes.HasSuffix(body, []byte("\r\n")) {
			return nil, &ProtocolError{Msg: "corrupt value read"}
		}
		it.data = body[:size]
		found[it.key] = it
	}
}

// parseValueLine parses "VALUE <key> <flags> <bytes>[ <cas>]".
func parseValueLine(line string) (item, int, error) {
	var it item
	fields := strings.Fields(line)
	if len(fields) < 4 || len(fields) > 5 || fields[0] != "VALUE" {
		return it, 0, &ProtocolError{Msg: fmt.Sprintf("unexpected get response %q", line)}
	}
	it.key = fields[1]
	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return it, 0, &ProtocolError{Msg: fmt.Sprintf("bad flags in %q", line)}
	}
	it.flags = uint32(flags)
	size, err := strconv.Atoi(fields[3])
	if err != nil || size < 0 {
		return it, 0, &ProtocolError{Msg: fmt.Sprintf("bad length in %q", line)}
	}
	if len(fields) == 5 {
		cas, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return it, 0, &ProtocolError{Msg: fmt.Sprintf("bad cas in %q", line)}
		}
		it.cas = cas
	}
	return it, size, nil
}

// incrDecrOnServer runs incr or decr. A missing key answers NOT_FOUND,
// reported as found=false. Servers may pad the numeric reply with trailing
// spaces before the CRLF.
func incrDecrOnServer(s *Server, verb, key string, delta uint64, noreply bool) (uint64, bool, error) {
	cmd := fmt.Sprintf("%s %s %d", verb, key, delta)
	if noreply {
		cmd += " noreply"
	}
	if err := s.write([]byte(cmd + "\r\n")); err != nil {
		return 0, false, err
	}
	if noreply {
		return 0, false, nil
	}
	line, err := readReplyLine(s)
	if err != nil {
		return 0, false, err
	}
	line = strings.TrimSpace(line)
	if line == replyNotFound {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, false, &ProtocolError{Msg: fmt.Sprintf("unexpected %s response %q", verb, line)}
	}
	return v, true, nil
}

// deleteOnServer removes key, reporting whether it existed.
func deleteOnServer(s *Server, key string, noreply bool) (bool, error) {
	cmd := "delete " + key
	if noreply {
		cmd += " noreply"
	}
	if err := s.write([]byte(cmd + "\r\n")); err != nil {
		return false, err
	}
	if noreply {
		return false, nil
	}
	line, err := readReplyLine(s)
	if err != nil {
		return false, err
	}
	switch line {
	case replyDeleted:
		return true, nil
	case replyNotFound:
		return false, nil
	}
	return false, &ProtocolError{Msg: fmt.Sprintf("unexpected delete response %q", line)}
}

// flushOnServer wipes the server's keyspace.
func flushOnServer(s *Server) error {
	if err := s.write([]byte("flush_all\r\n")); err != nil {
		return err
	}
	line, err := readReplyLine(s)
	if err != nil {
		return err
	}
	if line != replyOK {
		return &ProtocolError{Msg: fmt.Sprintf("unexpected flush_all response %q", line)}
	}
	return nil
}

// statsFromServer collects the STAT block, coercing values: version stays a
// string, rusage values parse "<secs>:<usecs>" into seconds, all-digit
// values become int64, everything else stays a string.
func statsFromServer(s *Server) (map[string]any, error) {
	if err := s.write([]byte("stats\r\n")); err != nil {
		return nil, err
	}
	stats := make(map[string]any)
	for {
		line, err := readReplyLine(s)
		if err != nil {
			return nil, err
		}
		if line == replyEnd {
			return stats, nil
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 || fields[0] != "STAT" {
			return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected stats response %q", line)}
		}
		stats[fields[1]] = coerceStat(fields[1], strings.TrimSpace(fields[2]))
	}
}

func coerceStat(name, value string) any {
	if name == "version" {
		return value
	}
	if name == "rusage_user" || name == "rusage_system" {
		parts := strings.SplitN(value, ":", 2)
		if len(parts) == 2 {
			secs, err1 := strconv.ParseFloat(parts[0], 64)
			usecs, err2 := strconv.ParseFloat(parts[1], 64)
			if err1 == nil && err2 == nil {
				return secs + usecs/1e6
			}
		}
		return value
	}
	if isAllDigits(value) {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return value
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isDeadErr reports whether err should quarantine the server outright:
// timeouts and connection-level EOFs. Everything else (protocol errors,
// transient syscall errors) first gets a close and one fresh-socket retry.
func isDeadErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// socketOp runs fn against the server's socket with the per-operation
// retry machine: a nil socket is a routing failure; timeouts and EOFs
// quarantine with no retry; other failures close the socket and loop back
// for exactly one attempt on a fresh connect.
func (c *Client) socketOp(s *Server, fn func(*Server) error) error {
	retried := false
	for {
		if s.acquireSocket() == nil {
			c.countErr(errLabelRouting)
			return fmt.Errorf("%w (%s)", ErrNoConnection, s.statusString())
		}
		err := fn(s)
		if err == nil {
			return nil
		}
		if isDeadErr(err) {
			c.log.Warn().Err(err).Str("server", s.Addr()).Msg("socket failure")
			c.countErr(errLabelSocket)
			s.markDead(err)
			return err
		}
		c.log.Warn().Err(err).Str("server", s.Addr()).Bool("retried", retried).Msg("request failure")
		var pe *ProtocolError
		if errors.As(err, &pe) {
			c.countErr(errLabelProtocol)
		} else {
			c.countErr(errLabelSocket)
		}
		s.close()
		if retried {
			return err
		}
		retried = true
	}
}
