package session

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/cache"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/policy"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/upstream"
)

func encodeSimpleBindRequest(messageID int64, dn string) []byte {
	msg := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	msg.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ldapproto.ApplicationBindRequest), nil, "Bind Request")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(3), "version"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "name"))
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, ber.Tag(0), "secret", "simple"))
	msg.AppendChild(op)
	return msg.Bytes()
}

func encodeSearchRequest(t *testing.T, messageID int64, base string, scope ldapproto.Scope, filter string) []byte {
	t.Helper()
	filterPacket, err := ldap.CompileFilter(filter)
	require.NoError(t, err)

	msg := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	msg.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ldapproto.ApplicationSearchRequest), nil, "Search Request")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, base, "baseObject"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(scope), "scope"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ldapproto.NeverDerefAliases), "derefAliases"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(0), "sizeLimit"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(0), "timeLimit"))
	op.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, false, "typesOnly"))
	op.AppendChild(filterPacket)
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	op.AppendChild(attrs)
	msg.AppendChild(op)
	return msg.Bytes()
}

func encodeDelRequest(messageID int64, dn string) []byte {
	msg := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	msg.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	op := ber.NewString(ber.ClassApplication, ber.TypePrimitive, ber.Tag(ldapproto.ApplicationDelRequest), dn, "Del Request")
	msg.AppendChild(op)
	return msg.Bytes()
}

// fakeUpstream is a minimal scripted LDAP server: a handler function
// decides what to send back for each frame it receives on the single
// connection it accepts.
type fakeUpstream struct {
	ln net.Listener
}

func newFakeUpstream(t *testing.T, handle func(conn net.Conn, env *ldapproto.Envelope, frame []byte)) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeUpstream{ln: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			frame, err := ldapproto.ReadFrame(r, 0)
			if err != nil {
				return
			}
			env, err := ldapproto.DecodeEnvelope(frame)
			if err != nil {
				return
			}
			handle(conn, env, frame)
		}
	}()
	return f
}

func (f *fakeUpstream) addr() string { return f.ln.Addr().String() }
func (f *fakeUpstream) close()       { f.ln.Close() }

func newTestClient(t *testing.T, addr string) *upstream.Client {
	t.Helper()
	c, err := upstream.New(upstream.Config{URL: "ldap://" + addr})
	require.NoError(t, err)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.Health() != upstream.Healthy {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, upstream.Healthy, c.Health())
	return c
}

func readFrame(t *testing.T, r *bufio.Reader) *ldapproto.Envelope {
	t.Helper()
	frame, err := ldapproto.ReadFrame(r, 0)
	require.NoError(t, err)
	env, err := ldapproto.DecodeEnvelope(frame)
	require.NoError(t, err)
	return env
}

func newTestSession(deps Deps) (client net.Conn, run func()) {
	clientConn, serverConn := net.Pipe()
	s := New(serverConn, deps)
	return clientConn, func() { s.Run(context.Background()) }
}

func TestSessionHappyBindAndSearch(t *testing.T) {
	up := newFakeUpstream(t, func(conn net.Conn, env *ldapproto.Envelope, frame []byte) {
		switch env.OpTag {
		case ldapproto.ApplicationBindRequest:
			conn.Write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultSuccess, ""))
		case ldapproto.ApplicationSearchRequest:
			conn.Write(ldapproto.EncodeSearchResultEntry(env.MessageID, &ldapproto.SearchResultEntry{DN: "cn=alice,dc=example,dc=com"}))
			conn.Write(ldapproto.EncodeSearchResultDone(env.MessageID, ldapproto.ResultSuccess, ""))
		}
	})
	defer up.close()

	uc := newTestClient(t, up.addr())
	defer uc.Close()

	deps := Deps{
		Policy:   policy.New(map[string]policy.Entry{"cn=admin": {}}, false),
		Cache:    cache.NewMemory(1 << 20),
		Upstream: uc,
	}
	clientConn, run := newTestSession(deps)
	go run()
	defer clientConn.Close()

	r := bufio.NewReader(clientConn)

	_, err := clientConn.Write(encodeSimpleBindRequest(1, "cn=admin"))
	require.NoError(t, err)
	bindEnv := readFrame(t, r)
	bindResult, err := ldapproto.DecodeBindResponse(bindEnv.Op)
	require.NoError(t, err)
	require.True(t, bindResult.Success())

	_, err = clientConn.Write(encodeSearchRequest(t, 2, "dc=example,dc=com", ldapproto.ScopeWholeSubtree, "(objectClass=*)"))
	require.NoError(t, err)

	entryEnv := readFrame(t, r)
	require.EqualValues(t, ldapproto.ApplicationSearchResultEntry, entryEnv.OpTag)
	require.EqualValues(t, 2, entryEnv.MessageID)

	doneEnv := readFrame(t, r)
	require.EqualValues(t, ldapproto.ApplicationSearchResultDone, doneEnv.OpTag)
	done, err := ldapproto.DecodeSearchResultDone(doneEnv.Op)
	require.NoError(t, err)
	require.True(t, done.Success())
}

func TestSessionSearchFallbackHitAfterUpstreamGoesDown(t *testing.T) {
	up := newFakeUpstream(t, func(conn net.Conn, env *ldapproto.Envelope, frame []byte) {
		switch env.OpTag {
		case ldapproto.ApplicationBindRequest:
			conn.Write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultSuccess, ""))
		case ldapproto.ApplicationSearchRequest:
			conn.Write(ldapproto.EncodeSearchResultEntry(env.MessageID, &ldapproto.SearchResultEntry{DN: "cn=bob,dc=example,dc=com"}))
			conn.Write(ldapproto.EncodeSearchResultDone(env.MessageID, ldapproto.ResultSuccess, ""))
		}
	})
	defer up.close()

	uc := newTestClient(t, up.addr())

	deps := Deps{
		Policy:   policy.New(map[string]policy.Entry{"cn=admin": {}}, false),
		Cache:    cache.NewMemory(1 << 20),
		Upstream: uc,
	}
	clientConn, run := newTestSession(deps)
	go run()
	defer clientConn.Close()
	r := bufio.NewReader(clientConn)

	clientConn.Write(encodeSimpleBindRequest(1, "cn=admin"))
	readFrame(t, r)

	clientConn.Write(encodeSearchRequest(t, 2, "dc=example,dc=com", ldapproto.ScopeWholeSubtree, "(objectClass=*)"))
	readFrame(t, r) // entry
	readFrame(t, r) // done, now cached

	uc.Close() // simulate upstream going away
	up.close()
	time.Sleep(20 * time.Millisecond)

	clientConn.Write(encodeSearchRequest(t, 3, "dc=example,dc=com", ldapproto.ScopeWholeSubtree, "(objectClass=*)"))
	entryEnv := readFrame(t, r)
	require.EqualValues(t, ldapproto.ApplicationSearchResultEntry, entryEnv.OpTag)
	require.EqualValues(t, 3, entryEnv.MessageID)
	entry, err := ldapproto.DecodeSearchResultEntry(entryEnv.Op)
	require.NoError(t, err)
	require.Equal(t, "cn=bob,dc=example,dc=com", entry.DN)

	doneEnv := readFrame(t, r)
	done, err := ldapproto.DecodeSearchResultDone(doneEnv.Op)
	require.NoError(t, err)
	require.True(t, done.Success())
}

func TestSessionSearchFallbackMissWhenUpstreamUnavailable(t *testing.T) {
	up := newFakeUpstream(t, func(conn net.Conn, env *ldapproto.Envelope, frame []byte) {
		if env.OpTag == ldapproto.ApplicationBindRequest {
			conn.Write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultSuccess, ""))
		}
	})

	uc := newTestClient(t, up.addr())
	up.close() // listener closed right after connect, so no reconnect can succeed; no search has ever been cached

	deps := Deps{
		Policy:   policy.New(map[string]policy.Entry{"cn=admin": {}}, false),
		Cache:    cache.NewMemory(1 << 20),
		Upstream: uc,
	}
	clientConn, run := newTestSession(deps)
	go run()
	defer clientConn.Close()
	r := bufio.NewReader(clientConn)

	clientConn.Write(encodeSimpleBindRequest(1, "cn=admin"))
	readFrame(t, r)

	// force the client into Unhealthy deterministically by closing it.
	uc.Close()
	time.Sleep(20 * time.Millisecond)

	clientConn.Write(encodeSearchRequest(t, 2, "dc=example,dc=com", ldapproto.ScopeWholeSubtree, "(objectClass=*)"))
	doneEnv := readFrame(t, r)
	require.EqualValues(t, ldapproto.ApplicationSearchResultDone, doneEnv.OpTag)
	done, err := ldapproto.DecodeSearchResultDone(doneEnv.Op)
	require.NoError(t, err)
	require.Equal(t, int64(ldapproto.ResultUnavailable), done.ResultCode)
	require.Equal(t, ldapproto.UnavailableNoCacheMessage, done.DiagnosticMessage)
}

func TestSessionBindDeniedByPolicy(t *testing.T) {
	up := newFakeUpstream(t, func(conn net.Conn, env *ldapproto.Envelope, frame []byte) {
		conn.Write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultSuccess, ""))
	})
	defer up.close()
	uc := newTestClient(t, up.addr())
	defer uc.Close()

	deps := Deps{
		Policy:   policy.New(map[string]policy.Entry{"cn=admin": {}}, false),
		Cache:    cache.NewMemory(1 << 20),
		Upstream: uc,
	}
	clientConn, run := newTestSession(deps)
	go run()
	defer clientConn.Close()
	r := bufio.NewReader(clientConn)

	clientConn.Write(encodeSimpleBindRequest(1, "cn=intruder"))
	env := readFrame(t, r)
	result, err := ldapproto.DecodeBindResponse(env.Op)
	require.NoError(t, err)
	require.Equal(t, int64(ldapproto.ResultInsufficientAccessRights), result.ResultCode)

	// the session never bound, so a subsequent search must be rejected too.
	clientConn.Write(encodeSearchRequest(t, 2, "dc=example,dc=com", ldapproto.ScopeWholeSubtree, "(objectClass=*)"))
	rejectEnv := readFrame(t, r)
	require.EqualValues(t, ldapproto.ApplicationSearchResultDone, rejectEnv.OpTag)
	done, err := ldapproto.DecodeSearchResultDone(rejectEnv.Op)
	require.NoError(t, err)
	require.Equal(t, int64(ldapproto.ResultOperationsError), done.ResultCode)
}

func TestSessionWriteOperationsAreRejected(t *testing.T) {
	up := newFakeUpstream(t, func(conn net.Conn, env *ldapproto.Envelope, frame []byte) {
		conn.Write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultSuccess, ""))
	})
	defer up.close()
	uc := newTestClient(t, up.addr())
	defer uc.Close()

	deps := Deps{
		Policy:   policy.New(map[string]policy.Entry{"cn=admin": {}}, false),
		Cache:    cache.NewMemory(1 << 20),
		Upstream: uc,
	}
	clientConn, run := newTestSession(deps)
	go run()
	defer clientConn.Close()
	r := bufio.NewReader(clientConn)

	clientConn.Write(encodeSimpleBindRequest(1, "cn=admin"))
	readFrame(t, r)

	clientConn.Write(encodeDelRequest(2, "cn=victim,dc=example,dc=com"))
	env := readFrame(t, r)
	require.EqualValues(t, ldapproto.ApplicationDelResponse, env.OpTag)
	resultCode, ok := env.Op.Children[0].Value.(int64)
	require.True(t, ok)
	require.Equal(t, int64(ldapproto.ResultUnwillingToPerform), resultCode)
}

func TestSessionMidStreamUpstreamDropNeverSplicesCache(t *testing.T) {
	firstSearch := true
	up := newFakeUpstream(t, func(conn net.Conn, env *ldapproto.Envelope, frame []byte) {
		switch env.OpTag {
		case ldapproto.ApplicationBindRequest:
			conn.Write(ldapproto.EncodeBindResponse(env.MessageID, ldapproto.ResultSuccess, ""))
		case ldapproto.ApplicationSearchRequest:
			if firstSearch {
				firstSearch = false
				conn.Write(ldapproto.EncodeSearchResultEntry(env.MessageID, &ldapproto.SearchResultEntry{DN: "cn=carol,dc=example,dc=com"}))
				conn.Write(ldapproto.EncodeSearchResultDone(env.MessageID, ldapproto.ResultSuccess, ""))
				return
			}
			// second search: write one entry then abruptly close the
			// connection, simulating a mid-stream upstream failure.
			conn.Write(ldapproto.EncodeSearchResultEntry(env.MessageID, &ldapproto.SearchResultEntry{DN: "cn=dave,dc=example,dc=com"}))
			conn.Close()
		}
	})
	defer up.close()

	uc := newTestClient(t, up.addr())
	defer uc.Close()

	deps := Deps{
		Policy:   policy.New(map[string]policy.Entry{"cn=admin": {}}, false),
		Cache:    cache.NewMemory(1 << 20),
		Upstream: uc,
	}
	clientConn, run := newTestSession(deps)
	go run()
	defer clientConn.Close()
	r := bufio.NewReader(clientConn)

	clientConn.Write(encodeSimpleBindRequest(1, "cn=admin"))
	readFrame(t, r)

	// prime the cache with a successful response for this fingerprint.
	clientConn.Write(encodeSearchRequest(t, 2, "dc=example,dc=com", ldapproto.ScopeWholeSubtree, "(objectClass=*)"))
	readFrame(t, r) // entry
	readFrame(t, r) // done

	// same fingerprint again; this time the upstream drops mid-stream
	// after relaying one entry, so the session must never splice in the
	// cached reply on top of what it already streamed.
	clientConn.Write(encodeSearchRequest(t, 3, "dc=example,dc=com", ldapproto.ScopeWholeSubtree, "(objectClass=*)"))
	entryEnv := readFrame(t, r)
	entry, err := ldapproto.DecodeSearchResultEntry(entryEnv.Op)
	require.NoError(t, err)
	require.Equal(t, "cn=dave,dc=example,dc=com", entry.DN)

	doneEnv := readFrame(t, r)
	done, err := ldapproto.DecodeSearchResultDone(doneEnv.Op)
	require.NoError(t, err)
	require.Equal(t, int64(ldapproto.ResultUnavailable), done.ResultCode)
	require.Equal(t, ldapproto.UnavailableNoCacheMessage, done.DiagnosticMessage)
}

// panicOnceConn wraps a net.Conn and panics the first time Read is
// called, simulating a bug deep in request handling.
type panicOnceConn struct {
	net.Conn
	panicked bool
}

func (c *panicOnceConn) Read(p []byte) (int, error) {
	if !c.panicked {
		c.panicked = true
		panic("boom")
	}
	return c.Conn.Read(p)
}

func TestRunRecoversFromPanicInsteadOfCrashing(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	deps := Deps{
		Policy: policy.New(nil, true),
		Cache:  cache.NewMemory(1 << 20),
	}
	s := New(&panicOnceConn{Conn: serverConn}, deps)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a panic in the read loop")
	}
}
