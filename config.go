package memcachedb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coocood/freecache"
	libval "github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPort is the memcachedb TCP port assumed when an endpoint
	// string omits one.
	DefaultPort = 11211
	// DefaultTimeout bounds each connect, read and write.
	DefaultTimeout = 500 * time.Millisecond
	// DefaultNamespaceSeparator is inserted between the namespace and the key.
	DefaultNamespaceSeparator = ":"
)

// GroupConfig describes one replication group: a named, weighted set of
// master/slave servers sharing a keyspace.
type GroupConfig struct {
	Name    string   `mapstructure:"name"`
	Weight  int      `mapstructure:"weight" validate:"omitempty,gt=0"`
	Servers []string `mapstructure:"servers" validate:"required,min=1,dive,required"`
}

func (gc *GroupConfig) applyDefaults() {
	if gc.Name == "" {
		gc.Name = "default"
	}
	if gc.Weight == 0 {
		gc.Weight = 1
	}
}

// endpoint is a parsed host:port[:weight] server string.
type endpoint struct {
	host   string
	port   int
	weight int
}

func parseEndpoint(s string) (endpoint, error) {
	ep := endpoint{port: DefaultPort, weight: 1}
	parts := strings.SplitN(s, ":", 3)
	ep.host = parts[0]
	if ep.host == "" {
		return ep, fmt.Errorf("%w: empty host in endpoint %q", ErrBadConfig, s)
	}
	if len(parts) > 1 && parts[1] != "" {
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return ep, fmt.Errorf("%w: bad port in endpoint %q", ErrBadConfig, s)
		}
		ep.port = port
	}
	if len(parts) > 2 && parts[2] != "" {
		weight, err := strconv.Atoi(parts[2])
		if err != nil {
			return ep, fmt.Errorf("%w: bad weight in endpoint %q", ErrBadConfig, s)
		}
		ep.weight = weight
	}
	return ep, nil
}

// config is the immutable option snapshot held by a Client.
type config struct {
	namespace   string
	separator   string
	readonly    bool
	multithread bool
	failover    bool
	timeout     time.Duration // 0 disables per-I/O deadlines
	noReply     bool
	checkSize   bool
	autofixKeys bool
	logger      zerolog.Logger
	codec       Codec
	localCache  *freecache.Cache
	localTTLCap time.Duration
	statsName   string
	tracer      trace.Tracer
}

func defaultConfig() config {
	return config{
		separator:   DefaultNamespaceSeparator,
		multithread: true,
		failover:    true,
		timeout:     DefaultTimeout,
		checkSize:   true,
		logger:      zerolog.Nop(),
		codec:       MsgpackCodec{},
	}
}

// Option customizes a Client at construction time.
type Option func(*config)

// WithNamespace prefixes every key with ns and the namespace separator.
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithNamespaceSeparator overrides the string inserted between namespace
// and key.
func WithNamespaceSeparator(sep string) Option {
	return func(c *config) { c.separator = sep }
}

// WithReadonly makes the client reject every mutating operation.
func WithReadonly() Option {
	return func(c *config) { c.readonly = true }
}

// WithSingleGoroutine disables the per-client mutex. The client then
// detects concurrent entry and fails it with ErrConcurrentAccess.
func WithSingleGoroutine() Option {
	return func(c *config) { c.multithread = false }
}

// WithoutFailover disables continuum re-hash retries when the owning group
// is dead.
func WithoutFailover() Option {
	return func(c *config) { c.failover = false }
}

// WithTimeout bounds each connect, read and write. Zero or negative
// disables deadlines entirely.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d < 0 {
			d = 0
		}
		c.timeout = d
	}
}

// WithNoReply makes write commands fire-and-forget: they append " noreply"
// and skip the response read.
func WithNoReply() Option {
	return func(c *config) { c.noReply = true }
}

// WithoutSizeCheck disables the 1 MiB serialized-value limit.
func WithoutSizeCheck() Option {
	return func(c *config) { c.checkSize = false }
}

// WithAutofixKeys rewrites keys that contain whitespace, or that would
// exceed 250 characters once namespaced, to their SHA-1 hex form.
func WithAutofixKeys() Option {
	return func(c *config) { c.autofixKeys = true }
}

// WithLogger sets the structured logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithCodec replaces the default msgpack codec.
func WithCodec(codec Codec) Option {
	return func(c *config) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithLocalCache adds an in-process cache in front of the servers. Values
// written through Set are kept locally for their expiry, capped at ttlCap
// (zero means no cap); reads check the local cache first. Stale local reads
// are possible when other clients write the same keys.
func WithLocalCache(fc *freecache.Cache, ttlCap time.Duration) Option {
	return func(c *config) {
		c.localCache = fc
		c.localTTLCap = ttlCap
	}
}

// WithStats registers Prometheus hit/latency/error metrics named after app.
func WithStats(app string) Option {
	return func(c *config) { c.statsName = app }
}

// WithTracer adds an OpenTelemetry span around each public operation.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) {
		if t != nil {
			c.tracer = t
		}
	}
}

// optionsSpec is the mapping form of the recognized options, accepted by
// NewFromShape. Unknown keys are ignored.
type optionsSpec struct {
	Namespace          string   `mapstructure:"namespace"`
	NamespaceSeparator *string  `mapstructure:"namespace_separator"`
	Readonly           bool     `mapstructure:"readonly"`
	Multithread        *bool    `mapstructure:"multithread"`
	Failover           *bool    `mapstructure:"failover"`
	Timeout            *float64 `mapstructure:"timeout"`
	NoReply            bool     `mapstructure:"no_reply"`
	CheckSize          *bool    `mapstructure:"check_size"`
	AutofixKeys        bool     `mapstructure:"autofix_keys"`
}

func optionsFromMap(m map[string]any) ([]Option, error) {
	var opts []Option
	if m == nil {
		return nil, nil
	}
	if raw, ok := m["logger"]; ok {
		if l, ok := raw.(zerolog.Logger); ok {
			opts = append(opts, WithLogger(l))
		}
	}
	var spec optionsSpec
	if err := mapstructure.Decode(m, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if spec.Namespace != "" {
		opts = append(opts, WithNamespace(spec.Namespace))
	}
	if spec.NamespaceSeparator != nil {
		opts = append(opts, WithNamespaceSeparator(*spec.NamespaceSeparator))
	}
	if spec.Readonly {
		opts = append(opts, WithReadonly())
	}
	if spec.Multithread != nil && !*spec.Multithread {
		opts = append(opts, WithSingleGoroutine())
	}
	if spec.Failover != nil && !*spec.Failover {
		opts = append(opts, WithoutFailover())
	}
	if spec.Timeout != nil {
		opts = append(opts, WithTimeout(time.Duration(*spec.Timeout*float64(time.Second))))
	}
	if spec.NoReply {
		opts = append(opts, WithNoReply())
	}
	if spec.CheckSize != nil && !*spec.CheckSize {
		opts = append(opts, WithoutSizeCheck())
	}
	if spec.AutofixKeys {
		opts = append(opts, WithAutofixKeys())
	}
	return opts, nil
}

// parseShape converts the accepted legacy constructor shapes into explicit
// group configs:
//
//   - nil: no groups yet (inactive client)
//   - "host:port[:weight]" or a list of such strings: one group
//   - a map with a "servers" key (plus optional "name"/"weight"): one group
//   - a list of such maps: one group per entry
//   - GroupConfig / []GroupConfig: passed through
func parseShape(shape any) ([]GroupConfig, error) {
	switch v := shape.(type) {
	case nil:
		return nil, nil
	case string:
		return []GroupConfig{{Servers: []string{v}}}, nil
	case []string:
		if len(v) == 0 {
			return nil, nil
		}
		return []GroupConfig{{Servers: v}}, nil
	case GroupConfig:
		return []GroupConfig{v}, nil
	case []GroupConfig:
		return v, nil
	case map[string]any:
		gc, err := groupFromMap(v)
		if err != nil {
			return nil, err
		}
		return []GroupConfig{gc}, nil
	case []map[string]any:
		gcs := make([]GroupConfig, 0, len(v))
		for _, m := range v {
			gc, err := groupFromMap(m)
			if err != nil {
				return nil, err
			}
			gcs = append(gcs, gc)
		}
		return gcs, nil
	case []any:
		return parseShapeList(v)
	default:
		return nil, fmt.Errorf("%w: unsupported shape %T", ErrBadConfig, shape)
	}
}

func parseShapeList(list []any) ([]GroupConfig, error) {
	if len(list) == 0 {
		return nil, nil
	}
	switch list[0].(type) {
	case string:
		servers := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: mixed shape list", ErrBadConfig)
			}
			servers = append(servers, s)
		}
		return []GroupConfig{{Servers: servers}}, nil
	case map[string]any:
		gcs := make([]GroupConfig, 0, len(list))
		for _, e := range list {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: mixed shape list", ErrBadConfig)
			}
			gc, err := groupFromMap(m)
			if err != nil {
				return nil, err
			}
			gcs = append(gcs, gc)
		}
		return gcs, nil
	default:
		return nil, fmt.Errorf("%w: unsupported shape list element %T", ErrBadConfig, list[0])
	}
}

func groupFromMap(m map[string]any) (GroupConfig, error) {
	var gc GroupConfig
	if _, ok := m["servers"]; !ok {
		return gc, fmt.Errorf("%w: group mapping without servers key", ErrBadConfig)
	}
	if err := mapstructure.Decode(m, &gc); err != nil {
		return gc, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return gc, nil
}

var validate = libval.New()

func validateGroupConfig(gc *GroupConfig) error {
	if err := validate.Struct(gc); err != nil {
		return fmt.Errorf("%w: group %q: %v", ErrBadConfig, gc.Name, err)
	}
	return nil
}
