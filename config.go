package meshkv

import (
	"time"

	"github.com/meshkv/go-client/internal/conn"
	"github.com/meshkv/go-client/internal/loadbalancer"
)

// config holds resolved Client configuration. Unexported: callers build one
// via New(opts ...Option), never by constructing the struct directly.
type config struct {
	clusterName   string
	labels        []string
	seedAddresses []string
	smartRouting  bool

	connectTimeout time.Duration
	readBufferSize int
	tls            conn.TLSOptions

	invocationTimeout     time.Duration
	retryBase             time.Duration
	retryCap              time.Duration
	reconnectWindow       time.Duration
	reconnectMaxPerWindow int

	balancerFactory func(loadbalancer.MembershipSource) loadbalancer.LoadBalancer

	lifecycleListeners  []func(run string, connection string)
	membershipListeners []func(added bool, uuid, address string)
}

// resolveConfig applies opts over the package defaults, grounded on
// eventloop/options.go's resolveLoopOptions shape: defaults first, each
// Option mutating the same accumulator, nil options skipped gracefully.
func resolveConfig(opts []Option) (*config, error) {
	cfg := &config{
		clusterName:           "dev",
		smartRouting:          true,
		connectTimeout:        5 * time.Second,
		invocationTimeout:     10 * time.Second,
		retryBase:             10 * time.Millisecond,
		retryCap:              time.Second,
		reconnectWindow:       time.Second,
		reconnectMaxPerWindow: 5,
		balancerFactory: func(src loadbalancer.MembershipSource) loadbalancer.LoadBalancer {
			return loadbalancer.NewRoundRobin(src)
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Option configures a Client at construction time.
type Option interface {
	apply(*config) error
}

type optionFunc struct {
	fn func(*config) error
}

func (o *optionFunc) apply(cfg *config) error { return o.fn(cfg) }

// WithClusterName sets the cluster name presented during authentication.
func WithClusterName(name string) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.clusterName = name
		return nil
	}}
}

// WithLabels attaches client labels presented during authentication.
func WithLabels(labels ...string) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.labels = append([]string(nil), labels...)
		return nil
	}}
}

// WithSeedAddresses sets the initial addresses used to discover the
// cluster. At least one is required.
func WithSeedAddresses(addresses ...string) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.seedAddresses = append([]string(nil), addresses...)
		return nil
	}}
}

// WithSmartRouting toggles smart routing (one connection per member) versus
// non-smart routing (a single maintained connection). Smart routing is the
// default.
func WithSmartRouting(enabled bool) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.smartRouting = enabled
		return nil
	}}
}

// WithConnectTimeout bounds how long a single TCP dial may take.
func WithConnectTimeout(d time.Duration) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.connectTimeout = d
		return nil
	}}
}

// WithReadBufferSize overrides the per-connection read buffer size.
func WithReadBufferSize(n int) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.readBufferSize = n
		return nil
	}}
}

// WithTLS enables TLS for every connection dialed by the client.
func WithTLS(opts conn.TLSOptions) Option {
	return &optionFunc{func(cfg *config) error {
		opts.Enabled = true
		cfg.tls = opts
		return nil
	}}
}

// WithInvocationTimeout sets the default per-invocation deadline used when
// an operation doesn't specify its own.
func WithInvocationTimeout(d time.Duration) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.invocationTimeout = d
		return nil
	}}
}

// WithRetryPause bounds invocation retry pacing: base is the first retry's
// delay, cap the ceiling the capped-exponential schedule never exceeds.
func WithRetryPause(base, cap time.Duration) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.retryBase = base
		cfg.retryCap = cap
		return nil
	}}
}

// WithReconnectThrottle bounds how many reconnect attempts per member are
// allowed within window.
func WithReconnectThrottle(window time.Duration, maxPerWindow int) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.reconnectWindow = window
		cfg.reconnectMaxPerWindow = maxPerWindow
		return nil
	}}
}

// WithRoundRobinLoadBalancer selects round-robin member selection (the
// default) for RANDOM-routed invocations.
func WithRoundRobinLoadBalancer() Option {
	return &optionFunc{func(cfg *config) error {
		cfg.balancerFactory = func(src loadbalancer.MembershipSource) loadbalancer.LoadBalancer {
			return loadbalancer.NewRoundRobin(src)
		}
		return nil
	}}
}

// WithRandomLoadBalancer selects uniform-random member selection for
// RANDOM-routed invocations.
func WithRandomLoadBalancer() Option {
	return &optionFunc{func(cfg *config) error {
		cfg.balancerFactory = func(src loadbalancer.MembershipSource) loadbalancer.LoadBalancer {
			return loadbalancer.NewRandom(src)
		}
		return nil
	}}
}

// WithLifecycleListener registers a callback fired on every run-state and
// connection-state transition; run/connection name the state reached (the
// one that changed carries a non-empty string, the other is empty).
func WithLifecycleListener(fn func(run string, connection string)) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.lifecycleListeners = append(cfg.lifecycleListeners, fn)
		return nil
	}}
}

// WithMembershipListener registers a callback fired whenever a member is
// added to or removed from the cluster.
func WithMembershipListener(fn func(added bool, uuid, address string)) Option {
	return &optionFunc{func(cfg *config) error {
		cfg.membershipListeners = append(cfg.membershipListeners, fn)
		return nil
	}}
}
