// Package session implements the per-client-connection state machine:
// bind admission, search handling with cache fallback, WhoAmI fallback,
// write-class rejection, and unbind, orchestrating the policy, cache and
// upstream packages against one client socket.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/cache"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/metrics"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/policy"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/upstream"
)

// State is the session's coarse bind state.
type State int

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return "unbound"
	}
}

// Deps bundles the shared, process-wide collaborators a Session
// orchestrates. All are safe for concurrent use by many sessions.
type Deps struct {
	Policy        *policy.BindMap
	Cache         cache.Cache
	Upstream      *upstream.Client
	MaxIncomingBER int // 0 disables the per-PDU size ceiling
	Logger        hclog.Logger
}

// Session is one client connection's state machine.
type Session struct {
	id      uuid.UUID
	deps    Deps
	logger  hclog.Logger
	conn    net.Conn
	reader  *bufio.Reader
	state   State
	boundDN string
}

// New builds a Session bound to conn. Run drives it until the client
// disconnects or the connection is torn down. Every Session is assigned
// a random correlation ID at construction, carried on every log line it
// emits, so a single connection's activity can be picked out of the
// process log regardless of how many other sessions are interleaved.
func New(conn net.Conn, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	id := uuid.New()
	return &Session{
		id:     id,
		deps:   deps,
		logger: logger.Named("session").With("session_id", id.String()),
		conn:   conn,
		reader: bufio.NewReader(conn),
		state:  Unbound,
	}
}

// ID returns the session's correlation ID.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Run reads and dispatches PDUs from the client until the connection
// closes, an oversize/malformed PDU tears it down, or ctx is canceled.
func (s *Session) Run(ctx context.Context) {
	const op = "session.(Session).Run"
	started := time.Now()
	defer s.conn.Close()
	defer metrics.ObserveSessionDuration(started)
	// catch and report panics - a single misbehaving connection must not
	// take the whole process down with it.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("caught panic while serving connection", "op", op, "panic", fmt.Sprintf("%+v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := ldapproto.ReadFrame(s.reader, s.deps.MaxIncomingBER)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("client read failed, closing connection", "op", op, "err", err)
			}
			return
		}

		env, err := ldapproto.DecodeEnvelope(frame)
		if err != nil {
			s.logger.Debug("malformed client pdu, closing connection", "op", op, "err", err)
			return
		}

		if err := s.dispatch(ctx, env, frame); err != nil {
			s.logger.Debug("dispatch failed, closing connection", "op", op, "err", err)
			return
		}
		if s.state == Closed {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env *ldapproto.Envelope, frame []byte) error {
	switch env.OpTag {
	case ldapproto.ApplicationBindRequest:
		return s.handleBind(ctx, env, frame)
	case ldapproto.ApplicationUnbindRequest:
		s.state = Closed
		return nil
	default:
		if s.state != Bound {
			return s.writeReject(env, ldapproto.ResultOperationsError, "bind required")
		}
	}

	switch env.OpTag {
	case ldapproto.ApplicationSearchRequest:
		return s.handleSearch(ctx, env, frame)
	case ldapproto.ApplicationExtendedRequest:
		return s.handleExtended(ctx, env, frame)
	case ldapproto.ApplicationAbandonRequest:
		// no response, per RFC 4511 §4.11.
		return nil
	default:
		if ldapproto.IsWriteClass(env.OpTag) {
			return s.write(ldapproto.EncodeRejectResponse(env.MessageID, env.OpTag, ldapproto.ResultUnwillingToPerform, "write operations are not permitted"))
		}
		return s.forwardOpaque(ctx, env, frame)
	}
}

func (s *Session) writeReject(env *ldapproto.Envelope, resultCode int64, msg string) error {
	return s.write(ldapproto.EncodeRejectResponse(env.MessageID, env.OpTag, resultCode, msg))
}

func (s *Session) write(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}

// handleBind implements the Unbound/Bound → Bind transition table row and
// the rebind row: admission uses the same bind-map CheckBind rule as
// §4.2, contacting the upstream only when the DN is admitted locally.
func (s *Session) handleBind(ctx context.Context, env *ldapproto.Envelope, frame []byte) error {
	const op = "session.(Session).handleBind"

	req, err := ldapproto.DecodeBindRequest(env.Op)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if s.deps.Policy.CheckBind(req.Name) == policy.Deny {
		s.state = Unbound
		s.boundDN = ""
		return s.write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultInsufficientAccessRights, "bind not permitted"))
	}

	respCh, err := s.deps.Upstream.Issue(ctx, frame)
	if err != nil {
		// upstream unreachable: a Bind has no cache fallback (only
		// searches and WhoAmI do), so this is an outright failure.
		s.state = Unbound
		s.boundDN = ""
		return s.write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultUnavailable, ldapproto.UnavailableNoCacheMessage))
	}

	resp, ok := <-respCh
	if !ok || resp.Err != nil {
		s.state = Unbound
		s.boundDN = ""
		return s.write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultUnavailable, ldapproto.UnavailableNoCacheMessage))
	}

	rewritten, err := ldapproto.RewriteMessageID(resp.Frame, env.MessageID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.write(rewritten); err != nil {
		return err
	}

	respEnv, err := ldapproto.DecodeEnvelope(resp.Frame)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	result, err := ldapproto.DecodeBindResponse(respEnv.Op)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.Success() {
		s.state = Bound
		s.boundDN = req.Name
	} else {
		s.state = Unbound
		s.boundDN = ""
	}
	return nil
}

// forwardOpaque passes any protocolOp this session doesn't special-case
// through to the upstream verbatim once bound, per §4.1's pass-through
// contract for unrecognized PDUs inside a session.
func (s *Session) forwardOpaque(ctx context.Context, env *ldapproto.Envelope, frame []byte) error {
	respCh, err := s.deps.Upstream.Issue(ctx, frame)
	if err != nil {
		return nil // no fallback defined for opaque pass-through; drop silently
	}
	for resp := range respCh {
		if resp.Err != nil {
			return nil
		}
		rewritten, err := ldapproto.RewriteMessageID(resp.Frame, env.MessageID)
		if err != nil {
			return err
		}
		if err := s.write(rewritten); err != nil {
			return err
		}
	}
	return nil
}

// handleExtended implements the WhoAmI-fallback and generic-extended rows
// of the transition table.
func (s *Session) handleExtended(ctx context.Context, env *ldapproto.Envelope, frame []byte) error {
	const op = "session.(Session).handleExtended"

	req, err := ldapproto.DecodeExtendedRequest(env.Op)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	respCh, err := s.deps.Upstream.Issue(ctx, frame)
	if err != nil {
		if req.Name == ldapproto.WhoAmIOID {
			return s.write(ldapproto.EncodeWhoAmIFallback(env.MessageID, s.boundDN))
		}
		return nil
	}

	resp, ok := <-respCh
	if !ok || resp.Err != nil {
		if req.Name == ldapproto.WhoAmIOID {
			return s.write(ldapproto.EncodeWhoAmIFallback(env.MessageID, s.boundDN))
		}
		return nil
	}

	rewritten, err := ldapproto.RewriteMessageID(resp.Frame, env.MessageID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.write(rewritten)
}
