package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/evstore-go/core/transport"
)

const defaultSubjectPrefix = "evstore"

type DialerConfig struct {
	// Connect opens the shared NATS connection. ConnectDefault() when nil.
	Connect Connector
	Log     *slog.Logger
	// SubjectPrefix for node subjects, e.g. "evstore" -> evstore.node.<addr>.
	SubjectPrefix string
}

// Dialer opens channels to cluster nodes over one shared NATS connection.
// Transport security is a property of that connection, so the per-dial TLS
// settings are not interpreted here.
type Dialer struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(cfg DialerConfig) (*Dialer, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	return &Dialer{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  prefix,
	}, nil
}

// Close releases the underlying NATS connection. Open channels die with it.
func (d *Dialer) Close() error {
	d.closeNc()
	return nil
}

// subjectNode returns the subject a node listens on. Address separators are
// not valid subject tokens and get flattened.
func (d *Dialer) subjectNode(addr string) string {
	r := strings.NewReplacer(":", "-", ".", "-")
	return d.prefix + ".node." + r.Replace(addr)
}

func (d *Dialer) Dial(ctx context.Context, addr string, _ transport.TLSSettings) (transport.Channel, error) {
	if d.nc.IsClosed() {
		return nil, transport.ErrNodeUnreachable
	}

	ch := &channel{
		nc:      d.nc,
		log:     d.log.With(slog.String("node", addr)),
		subject: d.subjectNode(addr),
		inbox:   natsgo.NewInbox(),
		inbound: make(chan transport.Package, 256),
		done:    make(chan struct{}),
	}

	sub, err := d.nc.Subscribe(ch.inbox, ch.onMsg)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe inbox: %w", err)
	}
	ch.sub = sub

	return ch, nil
}

// channel is one logical connection to a node: frames out on the node
// subject, frames in on a private inbox.
type channel struct {
	nc      *natsgo.Conn
	log     *slog.Logger
	subject string
	inbox   string
	sub     *natsgo.Subscription
	inbound chan transport.Package

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ transport.Channel = (*channel)(nil)

func (c *channel) Send(_ context.Context, pkg transport.Package) error {
	select {
	case <-c.done:
		return transport.ErrChannelClosed
	default:
	}

	data, err := encodeFrame(pkg, c.inbox)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		c.fail(fmt.Errorf("nats: publish: %w", err))
		return transport.ErrChannelClosed
	}
	return nil
}

func (c *channel) Inbound() <-chan transport.Package { return c.inbound }
func (c *channel) Done() <-chan struct{}             { return c.done }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *channel) Close() error {
	c.fail(transport.ErrChannelClosed)
	return nil
}

func (c *channel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		_ = c.sub.Unsubscribe()
		close(c.done)
	})
}

// onMsg runs on the NATS delivery goroutine and must not block, so a full
// inbound buffer drops the package. The session's own heartbeats bound how
// long a stalled consumer goes unnoticed.
func (c *channel) onMsg(msg *natsgo.Msg) {
	pkg, _, err := decodeFrame(msg.Data)
	if err != nil {
		c.log.Error("dropping undecodable package", slog.Any("error", err))
		return
	}

	select {
	case c.inbound <- pkg:
	case <-c.done:
	default:
		c.log.Warn("inbound buffer full, dropping package",
			slog.String("command", string(pkg.Command)),
			slog.String("correlation_id", pkg.CorrelationID),
		)
	}
}
