package session

import (
	"context"
	"fmt"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/cache"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/fingerprint"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/policy"
)

// handleSearch implements §4.4.1: policy check, forward-and-accumulate on
// a healthy upstream, and the mid-stream-abort/cache-fallback discipline
// otherwise.
func (s *Session) handleSearch(ctx context.Context, env *ldapproto.Envelope, frame []byte) error {
	const op = "session.(Session).handleSearch"

	req, err := ldapproto.DecodeSearchRequest(env.Op)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	q := policy.Query{Base: req.BaseObject, Scope: req.Scope, Filter: req.Filter}
	if s.deps.Policy.CheckSearch(s.boundDN, q) == policy.Deny {
		return s.write(ldapproto.EncodeSearchResultDone(env.MessageID, ldapproto.ResultInsufficientAccessRights, "search not permitted"))
	}

	fp := fingerprint.Of(req, env.ControlsBytes())

	// reqCtx scopes exactly this search: canceling it on every return path
	// (including an early one caused by a failed write back to our own
	// client) tells the upstream reader to stop trying to deliver further
	// PDUs for this messageID rather than blocking on a sink nobody is
	// draining anymore.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	respCh, err := s.deps.Upstream.Issue(reqCtx, frame)
	if err != nil {
		return s.serveFromCache(ctx, env.MessageID, fp)
	}

	buffered := &cache.CachedResponse{}
	wroteAny := false

	for resp := range respCh {
		if resp.Err != nil {
			if wroteAny {
				return s.write(ldapproto.EncodeSearchResultDone(env.MessageID, ldapproto.ResultUnavailable, ldapproto.UnavailableNoCacheMessage))
			}
			return s.serveFromCache(ctx, env.MessageID, fp)
		}

		respEnv, err := ldapproto.DecodeEnvelope(resp.Frame)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if resp.Terminal {
			return s.finishSearch(ctx, env.MessageID, fp, respEnv, resp.Frame, buffered)
		}

		wroteAny = true
		if err := s.relaySearchPDU(respEnv, resp.Frame, env.MessageID, buffered); err != nil {
			return err
		}
	}

	// The sink closed without ever sending a Terminal frame or an Err:
	// the upstream connection tore down between PDUs, indistinguishable
	// from a mid-stream abort for cache-fallback purposes.
	if wroteAny {
		return s.write(ldapproto.EncodeSearchResultDone(env.MessageID, ldapproto.ResultUnavailable, ldapproto.UnavailableNoCacheMessage))
	}
	return s.serveFromCache(ctx, env.MessageID, fp)
}

// relaySearchPDU writes a non-terminal SearchResultEntry/Reference to the
// client and accumulates its messageID-stripped body into buffered.
func (s *Session) relaySearchPDU(respEnv *ldapproto.Envelope, frame []byte, clientMessageID int64, buffered *cache.CachedResponse) error {
	const op = "session.(Session).relaySearchPDU"

	stripped, err := ldapproto.RewriteMessageID(frame, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch respEnv.OpTag {
	case ldapproto.ApplicationSearchResultEntry:
		buffered.Entries = append(buffered.Entries, stripped)
	case ldapproto.ApplicationSearchResultReference:
		buffered.References = append(buffered.References, stripped)
	}

	rewritten, err := ldapproto.RewriteMessageID(frame, clientMessageID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.write(rewritten)
}

// finishSearch handles the terminating SearchResultDone: forward it
// verbatim, and on success install the accumulated buffer into the
// cache under fp, displacing any prior value.
func (s *Session) finishSearch(ctx context.Context, clientMessageID int64, fp fingerprint.Fingerprint, respEnv *ldapproto.Envelope, frame []byte, buffered *cache.CachedResponse) error {
	const op = "session.(Session).finishSearch"

	done, err := ldapproto.DecodeSearchResultDone(respEnv.Op)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rewritten, err := ldapproto.RewriteMessageID(frame, clientMessageID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.write(rewritten); err != nil {
		return err
	}

	if done.Success() {
		stripped, err := ldapproto.RewriteMessageID(frame, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		buffered.Done = stripped
		s.deps.Cache.Put(ctx, fp, buffered)
	}
	return nil
}

// serveFromCache implements §4.4.1 step 5: replay a cached response with
// the client's messageID substituted, or synthesize an unavailable Done
// when nothing is cached for fp.
func (s *Session) serveFromCache(ctx context.Context, clientMessageID int64, fp fingerprint.Fingerprint) error {
	const op = "session.(Session).serveFromCache"

	resp, ok := s.deps.Cache.Get(ctx, fp)
	if !ok {
		return s.write(ldapproto.EncodeSearchResultDone(clientMessageID, ldapproto.ResultUnavailable, ldapproto.UnavailableNoCacheMessage))
	}

	for _, e := range resp.Entries {
		rewritten, err := ldapproto.RewriteMessageID(e, clientMessageID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := s.write(rewritten); err != nil {
			return err
		}
	}
	for _, r := range resp.References {
		rewritten, err := ldapproto.RewriteMessageID(r, clientMessageID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := s.write(rewritten); err != nil {
			return err
		}
	}
	rewritten, err := ldapproto.RewriteMessageID(resp.Done, clientMessageID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.write(rewritten)
}
