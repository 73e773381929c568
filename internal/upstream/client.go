package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/metrics"
)

// Health is the upstream connection's health state. Transitions are
// event-driven, never timer-polled: see Client for exactly which events
// flip it.
type Health int32

const (
	Unhealthy Health = iota
	Healthy
)

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// DefaultReadTimeout is the idle read timeout applied to the upstream
// socket when Config.ReadTimeout is zero.
const DefaultReadTimeout = 30 * time.Second

// DefaultMaxFrameBytes is the default max_proxy_ber_size ceiling.
const DefaultMaxFrameBytes = 8 << 20

// Response is one PDU delivered on a sink returned by Issue. Terminal
// marks the last PDU of a request/response exchange (SearchResultDone,
// BindResponse, ExtendedResponse). Err, when non-nil, is always
// ErrAborted and is always the last value sent on the channel before it
// is closed. The channel can also simply close with no further values:
// readLoop gives up on a receiver that has fallen behind or whose
// context is Done, discarding the PDU rather than blocking the single
// shared reader on it.
type Response struct {
	Frame    []byte
	Terminal bool
	Err      error
}

// Config configures a Client.
type Config struct {
	// URL is the upstream directory, e.g. "ldaps://dc1.example.com:636".
	URL string
	// TLSConfig is used to dial when URL's scheme is ldaps. Hostname
	// verification is mandatory; callers must not set InsecureSkipVerify.
	TLSConfig *tls.Config
	// MaxFrameBytes bounds bytes read from the upstream per PDU
	// (max_proxy_ber_size). Zero uses DefaultMaxFrameBytes.
	MaxFrameBytes int
	// ReadTimeout is the idle read timeout on the upstream socket. Zero
	// uses DefaultReadTimeout.
	ReadTimeout time.Duration
	Logger      hclog.Logger
}

// Client is the single, long-lived, multiplexed connection to the
// upstream LDAP/LDAPS server shared by every session in the process.
type Client struct {
	url           *url.URL
	tlsConfig     *tls.Config
	maxFrameBytes int
	readTimeout   time.Duration
	logger        hclog.Logger

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	connWg         sync.WaitGroup
	reconnecting   atomic.Bool

	health atomic.Int32

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	nextMsgID int64
	pending   map[int64]*pendingSink

	writeMu sync.Mutex
}

// pendingSink is what readLoop demultiplexes a response into: the
// channel the caller is draining, and the caller's context so readLoop
// can stop trying to deliver to a caller that has already given up
// (its session write failed, or it disconnected) without waiting for
// the channel's buffer to fill up first. A nil ch is a "swallow" sink:
// readLoop uses one to keep a messageID reserved after giving up on its
// receiver, discarding the rest of that request's stream until its
// terminal PDU arrives, rather than mistaking it for an unknown
// messageID and tearing down the shared connection.
type pendingSink struct {
	ch   chan Response
	done <-chan struct{}
}

// New builds a Client and starts an asynchronous connect/reconnect loop.
// It returns immediately with the client Unhealthy; callers observe
// readiness via Health() or simply call Issue, which reports
// ErrUnavailable until the first successful connect.
func New(cfg Config) (*Client, error) {
	const op = "upstream.New"
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s: missing url: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing url: %w", op, err)
	}
	switch u.Scheme {
	case "ldap", "ldaps":
	default:
		return nil, fmt.Errorf("%s: unsupported scheme %q: %w", op, u.Scheme, ErrInvalidParameter)
	}
	if u.Scheme == "ldaps" && cfg.TLSConfig != nil && cfg.TLSConfig.InsecureSkipVerify {
		return nil, fmt.Errorf("%s: ldaps requires hostname verification: %w", op, ErrInvalidParameter)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:            u,
		tlsConfig:      cfg.TLSConfig,
		maxFrameBytes:  maxFrameBytes,
		readTimeout:    readTimeout,
		logger:         logger.Named("upstream"),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		pending:        make(map[int64]*pendingSink),
	}
	c.health.Store(int32(Unhealthy))
	go c.reconnectLoop()
	return c, nil
}

// Health returns the client's current health state.
func (c *Client) Health() Health {
	return Health(c.health.Load())
}

// Close stops the reconnect loop, closes the connection and aborts any
// pending requests.
func (c *Client) Close() {
	c.shutdownCancel()
	c.abort(fmt.Errorf("upstream: closed"))
	c.connWg.Wait()
}

// Issue forwards frame (a complete, client-messageID-tagged request PDU)
// upstream: it rewrites the messageID to a freshly allocated upstream
// message ID, registers a sink, writes the frame, and returns a channel
// that yields response PDUs in arrival order until a terminating PDU is
// observed. If the client is Unhealthy, it returns ErrUnavailable without
// touching the wire.
//
// ctx scopes the caller's interest in the response: once ctx is Done,
// readLoop stops trying to deliver further PDUs for this messageID and
// discards them instead, per spec's "client disconnect ... causes the
// upstream reader to discard further PDUs for those messageIDs." Callers
// that stop draining the returned channel early (a session whose write
// back to its own client failed) must cancel ctx, or readLoop only
// notices once the channel's buffer fills.
func (c *Client) Issue(ctx context.Context, frame []byte) (<-chan Response, error) {
	const op = "upstream.(Client).Issue"

	if c.Health() != Healthy {
		return nil, ErrUnavailable
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	id := c.nextMsgID
	c.nextMsgID++
	rewritten, err := ldapproto.RewriteMessageID(frame, id)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ch := make(chan Response, 16)
	c.pending[id] = &pendingSink{ch: ch, done: ctx.Done()}
	c.mu.Unlock()

	c.writeMu.Lock()
	_, writeErr := c.conn.Write(rewritten)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.abort(fmt.Errorf("%s: write failed: %w", op, writeErr))
		return nil, ErrUnavailable
	}
	return ch, nil
}

// connectOnce dials the upstream once and, on success, starts the reader
// task and flips health to Healthy. Only a subsequent read/write/protocol
// failure (via abort/abortConn) takes it back to Unhealthy.
func (c *Client) connectOnce() error {
	const op = "upstream.(Client).connectOnce"

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	addr := c.url.Host
	if !hasPort(addr) {
		if c.url.Scheme == "ldaps" {
			addr = net.JoinHostPort(addr, "636")
		} else {
			addr = net.JoinHostPort(addr, "389")
		}
	}

	var conn net.Conn
	var err error
	if c.url.Scheme == "ldaps" {
		tlsConfig := c.tlsConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName, _, _ = net.SplitHostPort(addr)
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.nextMsgID = 1
	c.pending = make(map[int64]*pendingSink)
	c.mu.Unlock()

	c.connWg.Add(1)
	go c.readLoop(conn)

	// A successful dial (and, for ldaps, a completed TLS handshake) is
	// itself the connect-side half of "health": there is no anonymous
	// no-op PDU to round-trip before the first real request, so Issue
	// must be usable immediately or the very first Bind after a fresh
	// connect could never succeed. Only failures downgrade this.
	c.health.Store(int32(Healthy))
	metrics.UpstreamHealthy.Set(1)
	metrics.UpstreamReconnects.Inc()
	c.logger.Info("connected to upstream", "op", op, "addr", addr)
	return nil
}

func hasPort(hostport string) bool {
	_, _, err := net.SplitHostPort(hostport)
	return err == nil
}

// readLoop is the single dedicated task demultiplexing inbound PDUs by
// messageID into their sink, for one connection generation. It exits
// when the connection it was started for is torn down.
func (c *Client) readLoop(conn net.Conn) {
	const op = "upstream.(Client).readLoop"
	defer c.connWg.Done()

	for {
		if c.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		c.mu.Lock()
		reader := c.reader
		active := c.conn == conn
		c.mu.Unlock()
		if !active {
			return
		}

		frame, err := ldapproto.ReadFrame(reader, c.maxFrameBytes)
		if err != nil {
			c.logger.Warn("upstream read failed, tearing down connection", "op", op, "err", err)
			c.abortConn(conn, fmt.Errorf("%s: %w", op, err))
			return
		}

		env, err := ldapproto.DecodeEnvelope(frame)
		if err != nil {
			c.logger.Warn("upstream sent malformed pdu, tearing down connection", "op", op, "err", err)
			c.abortConn(conn, fmt.Errorf("%s: %w", op, err))
			return
		}

		c.mu.Lock()
		sink, ok := c.pending[env.MessageID]
		if ok {
			delete(c.pending, env.MessageID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown messageID, tearing down connection", "op", op, "messageID", env.MessageID)
			c.abortConn(conn, fmt.Errorf("%s: unknown messageID %d: %w", op, env.MessageID, ldapproto.ErrMalformedPDU))
			return
		}

		terminal := isTerminal(env.OpTag)

		if sink.ch == nil {
			// this messageID was already given up on (see below): keep
			// reserving it and silently discarding its remaining stream
			// instead of re-registering a live sink, so the eventual
			// terminal PDU doesn't get mistaken for an unknown messageID.
			if !terminal {
				c.mu.Lock()
				c.pending[env.MessageID] = sink
				c.mu.Unlock()
			}
			continue
		}

		if terminal {
			select {
			case sink.ch <- Response{Frame: frame, Terminal: true}:
			default:
				c.logger.Warn("dropping terminal response, receiver not draining", "op", op, "messageID", env.MessageID)
			}
			close(sink.ch)
			continue
		}

		// non-terminal PDUs (SearchResultEntry/Reference) keep the sink
		// registered for the next arrival, unless the receiver has
		// already given up (its context is Done) or has fallen behind
		// (the buffered channel is full) -- either way this is the
		// single shared reader for every session's traffic, so it must
		// never block waiting on one abandoned receiver. Once given up
		// on, the messageID is kept reserved with a nil-channel sink
		// (above) until its terminal PDU arrives and discards it too.
		select {
		case sink.ch <- Response{Frame: frame}:
			c.mu.Lock()
			c.pending[env.MessageID] = sink
			c.mu.Unlock()
		case <-sink.done:
			close(sink.ch)
			c.mu.Lock()
			c.pending[env.MessageID] = &pendingSink{done: sink.done}
			c.mu.Unlock()
			c.logger.Debug("discarding response, requester is gone", "op", op, "messageID", env.MessageID)
		default:
			close(sink.ch)
			c.mu.Lock()
			c.pending[env.MessageID] = &pendingSink{done: sink.done}
			c.mu.Unlock()
			c.logger.Warn("discarding response, receiver not draining", "op", op, "messageID", env.MessageID)
		}
	}
}

func isTerminal(opTag int64) bool {
	switch opTag {
	case ldapproto.ApplicationSearchResultDone, ldapproto.ApplicationBindResponse, ldapproto.ApplicationExtendedResponse:
		return true
	default:
		return false
	}
}

// abortConn tears down conn if it is still the active connection, then
// starts a reconnect. Safe to call from any goroutine.
func (c *Client) abortConn(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.abort(err)
}

// abort tears down the current connection (if any), completes every
// pending sink with ErrAborted, flips health to Unhealthy, and starts a
// reconnect task.
func (c *Client) abort(err error) {
	c.mu.Lock()
	conn := c.conn
	pending := c.pending
	c.conn = nil
	c.pending = make(map[int64]*pendingSink)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.health.Store(int32(Unhealthy))
	metrics.UpstreamHealthy.Set(0)

	for id, sink := range pending {
		if sink.ch != nil {
			select {
			case sink.ch <- Response{Err: fmt.Errorf("%w: %v", ErrAborted, err)}:
			default:
			}
			close(sink.ch)
		}
		delete(pending, id)
	}

	select {
	case <-c.shutdownCtx.Done():
		return
	default:
		go c.reconnectLoop()
	}
}
