// Package memcachedb is a client for memcachedb, a persistent key-value
// server speaking the memcached text protocol with master/slave
// replication. Servers form named replication groups; keys are spread
// across groups on a ketama consistent-hashing continuum, writes go to
// each group's elected master and reads round-robin across its members.
package memcachedb

import (
	"context"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// maxKeyLength is the memcached limit on key size, namespace included.
	maxKeyLength = 250
	// maxValueSize is the limit enforced before sending when size
	// checking is on.
	maxValueSize = 1024 * 1024
	// failoverAttempts bounds the continuum re-hash loop.
	failoverAttempts = 20
)

// ReadFunc is the actual call to the underlying data source, used by Fetch
// to produce a value on cache miss.
type ReadFunc = func() (any, error)

// Client is a memcachedb client. With the default multithread mode every
// socket operation is serialized under one per-client mutex; a
// single-goroutine client skips the mutex and instead fails concurrent
// entry with ErrConcurrentAccess.
type Client struct {
	cfg    config
	id     string
	log    zerolog.Logger
	tracer trace.Tracer
	stats  *MetricSet

	mu    sync.Mutex
	inUse atomic.Bool
	sf    singleflight.Group

	groups []*Group
	ring   continuum
}

// New creates a client for the given replication groups. Construction
// connects to each group and elects its master; a group with no electable
// master fails construction.
func New(groups []GroupConfig, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	c := &Client{
		cfg: cfg,
		id:  uuid.NewV4().String(),
	}
	c.log = cfg.logger.With().Str("client_id", c.id).Logger()
	c.tracer = cfg.tracer
	if c.tracer == nil {
		c.tracer = trace.NewNoopTracerProvider().Tracer("memcachedb")
	}
	if cfg.statsName != "" {
		c.stats = newMetricSet(cfg.statsName, c.log)
	}
	if len(groups) > 0 {
		if err := c.SetGroups(groups); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewFromShape accepts the legacy constructor shapes (an endpoint string
// or list of endpoint strings, a group mapping or list of group mappings)
// plus an options mapping whose unrecognized keys are ignored.
func NewFromShape(shape any, options map[string]any) (*Client, error) {
	groups, err := parseShape(shape)
	if err != nil {
		return nil, err
	}
	opts, err := optionsFromMap(options)
	if err != nil {
		return nil, err
	}
	return New(groups, opts...)
}

// SetGroups replaces the group list and rebuilds the continuum. The
// continuum only exists with two or more groups; a single group is routed
// to directly.
func (c *Client) SetGroups(configs []GroupConfig) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	groups := make([]*Group, 0, len(configs))
	for _, gc := range configs {
		g, err := newGroup(gc, c.cfg.timeout, c.log)
		if err != nil {
			return err
		}
		groups = append(groups, g)
	}
	for _, old := range c.groups {
		for _, s := range old.servers {
			s.close()
		}
	}
	c.groups = groups
	if len(groups) >= 2 {
		c.ring = buildContinuum(groups)
	} else {
		c.ring = nil
	}
	return nil
}

// Active reports whether the client has any groups configured.
func (c *Client) Active() bool { return len(c.groups) > 0 }

// Readonly reports whether mutating operations are rejected.
func (c *Client) Readonly() bool { return c.cfg.readonly }

func (c *Client) String() string {
	return fmt.Sprintf("<memcachedb.Client: %d groups, ns: %q, ro: %v>",
		len(c.groups), c.cfg.namespace, c.cfg.readonly)
}

// Reset closes every server socket without quarantining, forcing fresh
// connects on next use.
func (c *Client) Reset() error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	for _, g := range c.groups {
		for _, s := range g.servers {
			s.close()
		}
	}
	return nil
}

// Close resets all connections and unregisters metrics.
func (c *Client) Close() error {
	err := c.Reset()
	if c.stats != nil {
		c.stats.unregister()
		c.stats = nil
	}
	return err
}

// enter is the client's serialization gate.
func (c *Client) enter() error {
	if c.cfg.multithread {
		c.mu.Lock()
		return nil
	}
	if !c.inUse.CompareAndSwap(false, true) {
		return ErrConcurrentAccess
	}
	return nil
}

func (c *Client) leave() {
	if c.cfg.multithread {
		c.mu.Unlock()
		return
	}
	c.inUse.Store(false)
}

func (c *Client) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "memcachedb."+op)
	span.SetAttributes(
		attribute.String("db.system", "memcached"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func (c *Client) prefix() string {
	if c.cfg.namespace == "" {
		return ""
	}
	return c.cfg.namespace + c.cfg.separator
}

func containsSpace(s string) bool {
	return strings.ContainsAny(s, " \t\r\n\v\f")
}

// cacheKey runs the key pipeline: autofix, then namespace, then validate.
// Autofix rewrites a key that contains whitespace or would exceed the
// length limit once namespaced to SHA1_hex(key)+"-autofixed" before the
// namespace is applied.
func (c *Client) cacheKey(key string) (string, error) {
	p := c.prefix()
	if c.cfg.autofixKeys && (containsSpace(key) || len(p)+len(key) > maxKeyLength) {
		key = fmt.Sprintf("%x-autofixed", sha1.Sum([]byte(key)))
	}
	ck := p + key
	if len(ck) > maxKeyLength {
		return "", fmt.Errorf("%w: %q longer than %d characters", ErrMalformedKey, ck, maxKeyLength)
	}
	if containsSpace(ck) {
		return "", fmt.Errorf("%w: %q contains whitespace", ErrMalformedKey, ck)
	}
	return ck, nil
}

func (c *Client) unprefix(ck string) string {
	return strings.TrimPrefix(ck, c.prefix())
}

// groupForKey maps a namespaced key to its owning group. A single group is
// returned directly; otherwise the continuum is searched, re-hashing with
// "<try><key>" while the owning group is dead when failover is on.
func (c *Client) groupForKey(ck string) (*Group, error) {
	if len(c.groups) == 0 {
		return nil, ErrNotActive
	}
	if len(c.groups) == 1 {
		return c.groups[0], nil
	}
	hash := crc32.ChecksumIEEE([]byte(ck))
	for attempt := 0; attempt < failoverAttempts; attempt++ {
		if attempt > 0 {
			hash = crc32.ChecksumIEEE([]byte(strconv.Itoa(attempt) + ck))
		}
		g := c.ring.find(hash)
		if g == nil {
			break
		}
		if g.Alive() {
			return g, nil
		}
		if !c.cfg.failover {
			break
		}
	}
	return nil, ErrNoServers
}

// withKeyServer routes ck to a server (master for writes, next slave for
// reads) and runs fn through the socket retry machine. When the attempt
// fails and more than one group exists, the route is recomputed once; a
// server that just died drops out of routing, so the retry lands elsewhere.
func (c *Client) withKeyServer(ck string, write bool, fn func(*Server) error) error {
	retried := false
	for {
		g, err := c.groupForKey(ck)
		if err == nil {
			var s *Server
			if write {
				s, err = g.Master()
			} else {
				s, err = g.NextSlave()
			}
			if err == nil {
				err = c.socketOp(s, fn)
			}
		}
		if err == nil {
			return nil
		}
		if retried || len(c.groups) <= 1 {
			return err
		}
		c.log.Warn().Err(err).Str("key", ck).Msg("retrying on another group")
		retried = true
	}
}

// localGet / localSet / localDel maintain the optional in-process cache.
// Entries hold codec-encoded payloads keyed by the namespaced key.
func (c *Client) localGet(ck string) ([]byte, bool) {
	if c.cfg.localCache == nil {
		return nil, false
	}
	b, err := c.cfg.localCache.Get([]byte(ck))
	if err != nil {
		return nil, false
	}
	return b, true
}

func (c *Client) localSet(ck string, data []byte, exp time.Duration) {
	if c.cfg.localCache == nil {
		return
	}
	ttl := exp
	if limit := c.cfg.localTTLCap; limit > 0 && (ttl <= 0 || ttl > limit) {
		ttl = limit
	}
	secs := int(ttl / time.Second)
	if ttl > 0 && secs == 0 {
		// sub-second TTLs are not representable, skip the local copy
		return
	}
	if err := c.cfg.localCache.Set([]byte(ck), data, secs); err != nil {
		c.log.Err(err).Msgf("failed to set local cache for key %s", ck)
	}
}

func (c *Client) localDel(ck string) {
	if c.cfg.localCache != nil {
		c.cfg.localCache.Del([]byte(ck))
	}
}

func expSeconds(exp time.Duration) int {
	if exp <= 0 {
		return 0
	}
	secs := int(exp / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

// Get reads key and decodes the stored payload into target. A cache miss
// returns found=false and no error.
func (c *Client) Get(ctx context.Context, key string, target any) (bool, error) {
	data, found, err := c.getBytes(ctx, "get", key)
	if err != nil || !found {
		return false, err
	}
	if err := c.cfg.codec.Unmarshal(data, target); err != nil {
		return false, err
	}
	return true, nil
}

// GetRaw reads key and returns the stored payload bytes, bypassing the codec.
func (c *Client) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	return c.getBytes(ctx, "get", key)
}

func (c *Client) getBytes(ctx context.Context, op, key string) (data []byte, found bool, err error) {
	_, span := c.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()
	started := getNow()
	ck, err := c.cacheKey(key)
	if err != nil {
		return nil, false, err
	}
	if b, ok := c.localGet(ck); ok {
		c.countHit(hitLabelLocal)
		return b, true, nil
	}
	if err = c.enter(); err != nil {
		return nil, false, err
	}
	defer c.leave()
	var it item
	err = c.withKeyServer(ck, false, func(s *Server) error {
		items, gerr := getFromServer(s, "get", []string{ck})
		if gerr != nil {
			return gerr
		}
		it, found = items[ck]
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	c.observeLatency(op, started)
	if !found {
		c.countHit(hitLabelMiss)
		return nil, false, nil
	}
	c.countHit(hitLabelServer)
	if c.cfg.localTTLCap > 0 {
		c.localSet(ck, it.data, c.cfg.localTTLCap)
	}
	return it.data, true, nil
}

// getsBytes fetches one key with its CAS token through the read path.
func (c *Client) getsBytes(ctx context.Context, key string) (data []byte, casID uint64, found bool, err error) {
	_, span := c.startSpan(ctx, "gets")
	defer func() { endSpan(span, err) }()
	ck, err := c.cacheKey(key)
	if err != nil {
		return nil, 0, false, err
	}
	if err = c.enter(); err != nil {
		return nil, 0, false, err
	}
	defer c.leave()
	var it item
	err = c.withKeyServer(ck, false, func(s *Server) error {
		items, gerr := getFromServer(s, "gets", []string{ck})
		if gerr != nil {
			return gerr
		}
		it, found = items[ck]
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return it.data, it.cas, found, nil
}

// GetMulti reads many keys in one round trip per owning server. The result
// maps original (pre-namespace) keys to stored payload bytes; keys the
// servers did not return are absent. A failing server is logged and
// skipped, the surviving servers still contribute their values.
func (c *Client) GetMulti(ctx context.Context, keys ...string) (res map[string][]byte, err error) {
	_, span := c.startSpan(ctx, "get_multi")
	defer func() { endSpan(span, err) }()
	started := getNow()
	res = make(map[string][]byte, len(keys))
	ckToOrig := make(map[string]string, len(keys))
	remaining := make([]string, 0, len(keys))
	for _, key := range keys {
		ck, kerr := c.cacheKey(key)
		if kerr != nil {
			return nil, kerr
		}
		if _, dup := ckToOrig[ck]; dup {
			continue
		}
		ckToOrig[ck] = key
		if b, ok := c.localGet(ck); ok {
			c.countHit(hitLabelLocal)
			res[key] = b
			continue
		}
		remaining = append(remaining, ck)
	}
	if len(remaining) == 0 {
		return res, nil
	}
	if err = c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()
	perServer := make(map[*Server][]string)
	for _, ck := range remaining {
		g, gerr := c.groupForKey(ck)
		if gerr != nil {
			c.log.Warn().Err(gerr).Str("key", ck).Msg("get_multi: no group for key")
			continue
		}
		s, serr := g.NextSlave()
		if serr != nil {
			c.log.Warn().Err(serr).Str("key", ck).Msg("get_multi: no slave for key")
			continue
		}
		perServer[s] = append(perServer[s], ck)
	}
	for s, serverKeys := range perServer {
		var items map[string]item
		opErr := c.socketOp(s, func(s *Server) error {
			var gerr error
			items, gerr = getFromServer(s, "get", serverKeys)
			return gerr
		})
		if opErr != nil {
			c.log.Warn().Err(opErr).Str("server", s.Addr()).Msg("get_multi: server failed")
			continue
		}
		for ck, it := range items {
			orig, ok := ckToOrig[ck]
			if !ok {
				orig = c.unprefix(ck)
			}
			res[orig] = it.data
			c.countHit(hitLabelServer)
		}
	}
	c.observeLatency("get_multi", started)
	return res, nil
}

// Set stores value under key unconditionally. exp of zero never expires.
func (c *Client) Set(ctx context.Context, key string, value any, exp time.Duration) (StoreResult, error) {
	return c.storeValue(ctx, "set", key, value, exp)
}

// Add stores value only when key is absent.
func (c *Client) Add(ctx context.Context, key string, value any, exp time.Duration) (StoreResult, error) {
	return c.storeValue(ctx, "add", key, value, exp)
}

// Replace stores value only when key already exists.
func (c *Client) Replace(ctx context.Context, key string, value any, exp time.Duration) (StoreResult, error) {
	return c.storeValue(ctx, "replace", key, value, exp)
}

// SetRaw, AddRaw and ReplaceRaw store the payload bytes as given,
// bypassing the codec.
func (c *Client) SetRaw(ctx context.Context, key string, value []byte, exp time.Duration) (StoreResult, error) {
	return c.storeBytes(ctx, "set", key, value, exp, 0, false)
}

func (c *Client) AddRaw(ctx context.Context, key string, value []byte, exp time.Duration) (StoreResult, error) {
	return c.storeBytes(ctx, "add", key, value, exp, 0, false)
}

func (c *Client) ReplaceRaw(ctx context.Context, key string, value []byte, exp time.Duration) (StoreResult, error) {
	return c.storeBytes(ctx, "replace", key, value, exp, 0, false)
}

// Append concatenates data after the stored payload. Append and Prepend
// always operate on raw bytes.
func (c *Client) Append(ctx context.Context, key string, data []byte) (StoreResult, error) {
	return c.storeBytes(ctx, "append", key, data, 0, 0, false)
}

// Prepend concatenates data before the stored payload.
func (c *Client) Prepend(ctx context.Context, key string, data []byte) (StoreResult, error) {
	return c.storeBytes(ctx, "prepend", key, data, 0, 0, false)
}

func (c *Client) storeValue(ctx context.Context, verb, key string, value any, exp time.Duration) (StoreResult, error) {
	data, err := c.cfg.codec.Marshal(value)
	if err != nil {
		return "", err
	}
	return c.storeBytes(ctx, verb, key, data, exp, 0, false)
}

func (c *Client) storeBytes(ctx context.Context, verb, key string, data []byte, exp time.Duration, cas uint64, withCas bool) (res StoreResult, err error) {
	_, span := c.startSpan(ctx, verb)
	defer func() { endSpan(span, err) }()
	started := getNow()
	if c.cfg.readonly {
		return "", ErrReadonly
	}
	ck, err := c.cacheKey(key)
	if err != nil {
		return "", err
	}
	if c.cfg.checkSize && len(data) > maxValueSize {
		return "", fmt.Errorf("%w (%d bytes, max %d)", ErrValueTooLarge, len(data), maxValueSize)
	}
	if err = c.enter(); err != nil {
		return "", err
	}
	defer c.leave()
	err = c.withKeyServer(ck, true, func(s *Server) error {
		var serr error
		res, serr = storeOnServer(s, verb, ck, data, expSeconds(exp), cas, withCas, c.cfg.noReply)
		return serr
	})
	if err != nil {
		return "", err
	}
	switch {
	case res == Stored && (verb == "set" || verb == "add" || verb == "replace" || verb == "cas"):
		c.localSet(ck, data, exp)
	default:
		c.localDel(ck)
	}
	c.observeLatency(verb, started)
	return res, nil
}

// Cas reads key with its CAS token, passes the decoded value to update and
// writes the result back with a cas command. It returns the zero
// StoreResult when the key is missing, Stored on success and Exists when
// another writer got there first.
func (c *Client) Cas(ctx context.Context, key string, exp time.Duration, update func(current any) (any, error)) (StoreResult, error) {
	if update == nil {
		return "", ErrCasNoUpdate
	}
	if c.cfg.readonly {
		return "", ErrReadonly
	}
	data, casID, found, err := c.getsBytes(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	var current any
	if err := c.cfg.codec.Unmarshal(data, &current); err != nil {
		return "", err
	}
	next, err := update(current)
	if err != nil {
		return "", err
	}
	encoded, err := c.cfg.codec.Marshal(next)
	if err != nil {
		return "", err
	}
	return c.storeBytes(ctx, "cas", key, encoded, exp, casID, true)
}

// CasRaw is Cas with the codec bypassed: update sees and returns payload bytes.
func (c *Client) CasRaw(ctx context.Context, key string, exp time.Duration, update func(current []byte) ([]byte, error)) (StoreResult, error) {
	if update == nil {
		return "", ErrCasNoUpdate
	}
	if c.cfg.readonly {
		return "", ErrReadonly
	}
	data, casID, found, err := c.getsBytes(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	next, err := update(data)
	if err != nil {
		return "", err
	}
	return c.storeBytes(ctx, "cas", key, next, exp, casID, true)
}

// Incr atomically increments the counter at key. A missing key reports
// found=false and no error.
func (c *Client) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return c.incrDecr(ctx, "incr", key, delta)
}

// Decr atomically decrements the counter at key, stopping at zero.
func (c *Client) Decr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return c.incrDecr(ctx, "decr", key, delta)
}

func (c *Client) incrDecr(ctx context.Context, verb, key string, delta uint64) (value uint64, found bool, err error) {
	_, span := c.startSpan(ctx, verb)
	defer func() { endSpan(span, err) }()
	if c.cfg.readonly {
		return 0, false, ErrReadonly
	}
	ck, err := c.cacheKey(key)
	if err != nil {
		return 0, false, err
	}
	if err = c.enter(); err != nil {
		return 0, false, err
	}
	defer c.leave()
	err = c.withKeyServer(ck, true, func(s *Server) error {
		var serr error
		value, found, serr = incrDecrOnServer(s, verb, ck, delta, c.cfg.noReply)
		return serr
	})
	if err != nil {
		return 0, false, err
	}
	c.localDel(ck)
	return value, found, nil
}

// Delete removes key, reporting whether it existed. With noreply the
// report is always false.
func (c *Client) Delete(ctx context.Context, key string) (existed bool, err error) {
	_, span := c.startSpan(ctx, "delete")
	defer func() { endSpan(span, err) }()
	if c.cfg.readonly {
		return false, ErrReadonly
	}
	ck, err := c.cacheKey(key)
	if err != nil {
		return false, err
	}
	if err = c.enter(); err != nil {
		return false, err
	}
	defer c.leave()
	err = c.withKeyServer(ck, true, func(s *Server) error {
		var serr error
		existed, serr = deleteOnServer(s, ck, c.cfg.noReply)
		return serr
	})
	if err != nil {
		return false, err
	}
	c.localDel(ck)
	return existed, nil
}

// Fetch reads key into target, and on a miss calls read, stores its result
// with add (so a concurrent writer who populated the key in between wins)
// and decodes it into target. Concurrent fetches of the same key share one
// read call.
func (c *Client) Fetch(ctx context.Context, key string, target any, exp time.Duration, read ReadFunc) error {
	found, err := c.Get(ctx, key, target)
	if err != nil || found {
		return err
	}
	if read == nil {
		return nil
	}
	produced, err, _ := c.sf.Do(key, func() (any, error) {
		return read()
	})
	if err != nil {
		return err
	}
	if _, err := c.Add(ctx, key, produced, exp); err != nil {
		return err
	}
	encoded, err := c.cfg.codec.Marshal(produced)
	if err != nil {
		return err
	}
	return c.cfg.codec.Unmarshal(encoded, target)
}

// Stats queries every server in every group and returns the coerced STAT
// blocks keyed by "host:port". Unreachable servers are logged and omitted.
func (c *Client) Stats(ctx context.Context) (out map[string]map[string]any, err error) {
	_, span := c.startSpan(ctx, "stats")
	defer func() { endSpan(span, err) }()
	if !c.Active() {
		return nil, ErrNotActive
	}
	if err = c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()
	out = make(map[string]map[string]any)
	for _, g := range c.groups {
		for _, s := range g.servers {
			var stats map[string]any
			opErr := c.socketOp(s, func(s *Server) error {
				var serr error
				stats, serr = statsFromServer(s)
				return serr
			})
			if opErr != nil {
				c.log.Warn().Err(opErr).Str("server", s.Addr()).Msg("stats: server failed")
				continue
			}
			out[s.Addr()] = stats
		}
	}
	return out, nil
}

// FlushAll wipes the keyspace of every server in every group and clears
// the local cache.
func (c *Client) FlushAll(ctx context.Context) (err error) {
	_, span := c.startSpan(ctx, "flush_all")
	defer func() { endSpan(span, err) }()
	if c.cfg.readonly {
		return ErrReadonly
	}
	if !c.Active() {
		return ErrNotActive
	}
	if err = c.enter(); err != nil {
		return err
	}
	defer c.leave()
	for _, g := range c.groups {
		for _, s := range g.servers {
			opErr := c.socketOp(s, flushOnServer)
			if opErr != nil && err == nil {
				err = opErr
			}
		}
	}
	if c.cfg.localCache != nil {
		c.cfg.localCache.Clear()
	}
	return err
}
