package client

import (
	"log/slog"
	"time"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/dispatch"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/subs"
	"github.com/codewandler/evstore-go/core/transport"
	"github.com/codewandler/evstore-go/ports/checkpoint"
)

// Metrics bundles the per-component metrics interfaces so one backend can
// instrument the whole client.
type Metrics interface {
	conn.ConnMetrics
	dispatch.DispatchMetrics
	subs.SubMetrics
}

// Settings is the assembled client configuration. Zero values fall back to
// the defaults documented on each option.
type Settings struct {
	Log *slog.Logger

	// ConnectionName labels this client on the server. Default "evstore-go".
	ConnectionName string
	Credentials    es.Credentials

	// Seeds is the static node list; Resolver overrides it when set.
	Seeds    []discovery.Node
	Resolver discovery.Resolver
	// NodePreference orders connection candidates. Default leader.
	NodePreference discovery.NodePreference
	TLS            transport.TLSSettings

	// HeartbeatInterval/HeartbeatTimeout default to 750ms / 1500ms.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// OperationTimeout is the per-operation deadline. Default 7s.
	OperationTimeout time.Duration
	// MaxRetries bounds per-operation retries. Default 3.
	MaxRetries int
	// OperationCheckPeriod paces retries while the cluster is unreachable.
	// Default 1s.
	OperationCheckPeriod time.Duration

	// Checkpoints persists catch-up subscription progress. Optional.
	Checkpoints checkpoint.Store

	Metrics Metrics
}

type Option func(*Settings)

func WithLog(log *slog.Logger) Option {
	return func(s *Settings) { s.Log = log }
}

func WithConnectionName(name string) Option {
	return func(s *Settings) { s.ConnectionName = name }
}

func WithCredentials(login, password string) Option {
	return func(s *Settings) { s.Credentials = es.Credentials{Login: login, Password: password} }
}

// WithSeeds configures static cluster seeds.
func WithSeeds(seeds ...discovery.Node) Option {
	return func(s *Settings) { s.Seeds = append(s.Seeds, seeds...) }
}

// WithResolver replaces seed-based discovery, e.g. with DNS.
func WithResolver(r discovery.Resolver) Option {
	return func(s *Settings) { s.Resolver = r }
}

func WithNodePreference(pref discovery.NodePreference) Option {
	return func(s *Settings) { s.NodePreference = pref }
}

func WithTLS(tls transport.TLSSettings) Option {
	return func(s *Settings) { s.TLS = tls }
}

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Settings) {
		s.HeartbeatInterval = interval
		s.HeartbeatTimeout = timeout
	}
}

func WithOperationTimeout(d time.Duration) Option {
	return func(s *Settings) { s.OperationTimeout = d }
}

func WithMaxRetries(n int) Option {
	return func(s *Settings) { s.MaxRetries = n }
}

func WithOperationCheckPeriod(d time.Duration) Option {
	return func(s *Settings) { s.OperationCheckPeriod = d }
}

func WithCheckpoints(store checkpoint.Store) Option {
	return func(s *Settings) { s.Checkpoints = store }
}

func WithMetrics(m Metrics) Option {
	return func(s *Settings) { s.Metrics = m }
}

func newSettings(opts ...Option) Settings {
	var s Settings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
