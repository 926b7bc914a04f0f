package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RecordType selects the DNS record used for cluster discovery. A records
// are the default; SRV is the legacy mode and carries ports in the record.
type RecordType string

const (
	RecordA   RecordType = "A"
	RecordSRV RecordType = "SRV"
)

// LookupIPFunc and LookupSRVFunc are the resolver contract this package
// needs from DNS; the default implementations delegate to net.DefaultResolver.
type (
	LookupIPFunc  func(ctx context.Context, host string) ([]net.IP, error)
	LookupSRVFunc func(ctx context.Context, name string) ([]*net.SRV, error)
)

type DNSResolverConfig struct {
	Log *slog.Logger
	// Name is the discovery domain to query.
	Name string
	// RecordType defaults to RecordA.
	RecordType RecordType
	// Port is assigned to nodes resolved from A records (SRV records carry
	// their own).
	Port int
	// MaxAttempts bounds lookups per Resolve call, including attempts that
	// return an empty set. Default 3.
	MaxAttempts int
	// InitialBackoff/MaxBackoff shape the capped-exponential wait between
	// attempts. Defaults 100ms / 2s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	LookupIP  LookupIPFunc
	LookupSRV LookupSRVFunc
}

// DNSResolver resolves the cluster from DNS, retrying failed or empty
// lookups with capped-exponential backoff before giving up with
// ErrDiscoveryFailed.
type DNSResolver struct {
	log         *slog.Logger
	name        string
	record      RecordType
	port        int
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	lookupIP    LookupIPFunc
	lookupSRV   LookupSRVFunc
}

func NewDNSResolver(cfg DNSResolverConfig) (*DNSResolver, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("discovery: dns resolver needs a name")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	record := cfg.RecordType
	if record == "" {
		record = RecordA
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	max := cfg.MaxBackoff
	if max <= 0 {
		max = 2 * time.Second
	}

	lookupIP := cfg.LookupIP
	if lookupIP == nil {
		lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		}
	}
	lookupSRV := cfg.LookupSRV
	if lookupSRV == nil {
		lookupSRV = func(ctx context.Context, name string) ([]*net.SRV, error) {
			_, srvs, err := net.DefaultResolver.LookupSRV(ctx, "", "", name)
			return srvs, err
		}
	}

	return &DNSResolver{
		log:         log.With(slog.String("resolver", "dns"), slog.String("name", cfg.Name)),
		name:        cfg.Name,
		record:      record,
		port:        cfg.Port,
		maxAttempts: maxAttempts,
		initial:     initial,
		max:         max,
		lookupIP:    lookupIP,
		lookupSRV:   lookupSRV,
	}, nil
}

func (r *DNSResolver) Resolve(ctx context.Context) ([]Node, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initial
	bo.MaxInterval = r.max
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		nodes, err := r.lookup(ctx)
		if err == nil && len(nodes) > 0 {
			return nodes, nil
		}

		if err == nil {
			err = fmt.Errorf("empty %s record set", r.record)
		}
		lastErr = err
		r.log.Warn("lookup failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.maxAttempts),
			slog.Any("error", err),
		)

		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrDiscoveryFailed, r.name, r.maxAttempts, lastErr)
}

func (r *DNSResolver) lookup(ctx context.Context) ([]Node, error) {
	switch r.record {
	case RecordSRV:
		srvs, err := r.lookupSRV(ctx, r.name)
		if err != nil {
			return nil, err
		}
		nodes := make([]Node, 0, len(srvs))
		for _, srv := range srvs {
			nodes = append(nodes, Node{
				Host: srv.Target,
				Port: int(srv.Port),
				Role: RoleUnknown,
			})
		}
		return nodes, nil

	default:
		ips, err := r.lookupIP(ctx, r.name)
		if err != nil {
			return nil, err
		}
		nodes := make([]Node, 0, len(ips))
		for _, ip := range ips {
			nodes = append(nodes, Node{
				Host: ip.String(),
				Port: r.port,
				Role: RoleUnknown,
			})
		}
		return nodes, nil
	}
}

var _ Resolver = (*DNSResolver)(nil)
