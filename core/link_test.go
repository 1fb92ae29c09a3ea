package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jwtSecret = "0123456789abcdef0123456789abcdef"

func testPrepare(dst protocol.Address, amount uint64, cond protocol.Condition) *protocol.Prepare {
	return &protocol.Prepare{
		Amount:             amount,
		ExpiresAt:          time.Now().Add(10 * time.Second).Truncate(time.Millisecond),
		ExecutionCondition: cond,
		Destination:        dst,
		Data:               []byte("hello"),
	}
}

func connectedLink(t *testing.T, acct state.AccountSettings) Link {
	l, err := NewLink(acct, LinkOptions{Operator: "g.conn"})
	require.NoError(t, err)
	require.NoError(t, l.Connect(context.Background()))
	return l
}

func TestLoopbackLink(t *testing.T) {
	l := connectedLink(t, state.AccountSettings{Id: "lo", LinkType: state.LinkLoopback})
	resp, err := l.SendPacket(context.Background(), testPrepare("g.lo", 1, protocol.PeerProtocolCondition))
	require.NoError(t, err)
	f, ok := protocol.IsFulfill(resp)
	require.True(t, ok)
	assert.True(t, f.Fulfillment.Validates(protocol.PeerProtocolCondition))

	rejecting := connectedLink(t, state.AccountSettings{
		Id:       "lo",
		LinkType: state.LinkLoopback,
		Link:     state.LinkSettings{RejectCode: protocol.T02_PEER_BUSY},
	})
	resp, err = rejecting.SendPacket(context.Background(), testPrepare("g.lo", 1, protocol.PeerProtocolCondition))
	require.NoError(t, err)
	rj, ok := protocol.IsReject(resp)
	require.True(t, ok)
	assert.Equal(t, protocol.T02_PEER_BUSY, rj.Code)

	require.NoError(t, l.Disconnect())
	_, err = l.SendPacket(context.Background(), testPrepare("g.lo", 1, protocol.PeerProtocolCondition))
	assert.ErrorIs(t, err, ErrLinkNotConnected)
}

func TestPingLink(t *testing.T) {
	l := connectedLink(t, state.AccountSettings{Id: "ping", LinkType: state.LinkPing})
	resp, err := l.SendPacket(context.Background(), testPrepare("g.ping", 0, protocol.PingCondition))
	require.NoError(t, err)
	f, ok := protocol.IsFulfill(resp)
	require.True(t, ok)
	assert.Equal(t, protocol.PingFulfillment, f.Fulfillment)

	resp, err = l.SendPacket(context.Background(), testPrepare("g.ping", 0, protocol.PeerProtocolCondition))
	require.NoError(t, err)
	rj, ok := protocol.IsReject(resp)
	require.True(t, ok)
	assert.Equal(t, protocol.F05_WRONG_CONDITION, rj.Code)
}

func TestUnknownLinkType(t *testing.T) {
	_, err := NewLink(state.AccountSettings{Id: "x", LinkType: "SMOKE_SIGNALS"}, LinkOptions{})
	assert.ErrorIs(t, err, ErrUnknownLinkType)
}

func TestSingleHandler(t *testing.T) {
	l := connectedLink(t, state.AccountSettings{Id: "lo", LinkType: state.LinkLoopback})
	p := testPrepare("g.conn", 1, protocol.PeerProtocolCondition)

	resp := l.HandleIncoming(context.Background(), p)
	rj, ok := protocol.IsReject(resp)
	require.True(t, ok)
	assert.Equal(t, protocol.T00_INTERNAL_ERROR, rj.Code)

	handler := func(ctx context.Context, source state.AccountId, p *protocol.Prepare) protocol.Response {
		return protocol.PeerFulfill(nil)
	}
	require.NoError(t, l.RegisterHandler(handler))
	assert.ErrorIs(t, l.RegisterHandler(handler), ErrHandlerRegistered)
	_, ok = protocol.IsFulfill(l.HandleIncoming(context.Background(), p))
	assert.True(t, ok)

	l.UnregisterHandler()
	require.NoError(t, l.RegisterHandler(handler))
}

// ilpServer answers every request with fulfill after checking auth with verify.
func ilpServer(t *testing.T, verify func(auth string) error) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := verify(r.Header.Get("Authorization")); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		assert.Equal(t, contentTypeOer, r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		p, err := protocol.UnmarshalPrepare(body)
		if !assert.NoError(t, err) {
			return
		}
		out, err := protocol.MarshalResponse(&protocol.Fulfill{Fulfillment: protocol.PeerProtocolFulfillment, Data: p.Data})
		if !assert.NoError(t, err) {
			return
		}
		w.Header().Set("Content-Type", contentTypeOer)
		_, _ = w.Write(out)
	}))
}

func TestHttpLinkSimpleAuth(t *testing.T) {
	srv := ilpServer(t, func(auth string) error {
		return simpleToken("s3cret").Verify(strings.TrimPrefix(auth, "Bearer "))
	})
	defer srv.Close()

	l := connectedLink(t, state.AccountSettings{
		Id:       "bob",
		LinkType: state.LinkIlpOverHttp,
		Link: state.LinkSettings{
			Url:      srv.URL,
			Outgoing: state.AuthSettings{Type: state.AuthSimple, Secret: "s3cret"},
		},
	})
	resp, err := l.SendPacket(context.Background(), testPrepare("g.bob", 10, protocol.PeerProtocolCondition))
	require.NoError(t, err)
	f, ok := protocol.IsFulfill(resp)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), f.Data)

	wrong := connectedLink(t, state.AccountSettings{
		Id:       "bob",
		LinkType: state.LinkIlpOverHttp,
		Link: state.LinkSettings{
			Url:      srv.URL,
			Outgoing: state.AuthSettings{Type: state.AuthSimple, Secret: "guess"},
		},
	})
	_, err = wrong.SendPacket(context.Background(), testPrepare("g.bob", 10, protocol.PeerProtocolCondition))
	assert.ErrorContains(t, err, "401")
}

func TestHttpLinkJwtAuth(t *testing.T) {
	auth := state.AuthSettings{
		Type:     state.AuthJwtHs256,
		Secret:   jwtSecret,
		Issuer:   "g.conn",
		Audience: "g.bob",
		Subject:  "conn",
	}
	verifier, err := newTokenVerifier(auth, state.SecretKey{}, time.Now)
	require.NoError(t, err)
	srv := ilpServer(t, func(header string) error {
		tok, ok := bearerToken(header)
		if !ok {
			return ErrUnauthorized
		}
		return verifier.Verify(tok)
	})
	defer srv.Close()

	acct := state.AccountSettings{
		Id:       "bob",
		LinkType: state.LinkIlpOverHttp,
		Link:     state.LinkSettings{Url: srv.URL, Outgoing: auth},
	}
	l := connectedLink(t, acct)
	_, err = l.SendPacket(context.Background(), testPrepare("g.bob", 10, protocol.PeerProtocolCondition))
	require.NoError(t, err)

	acct.Link.Outgoing.Subject = "mallory"
	imposter := connectedLink(t, acct)
	_, err = imposter.SendPacket(context.Background(), testPrepare("g.bob", 10, protocol.PeerProtocolCondition))
	assert.ErrorContains(t, err, "401")
}

func TestJwtTokenIsCached(t *testing.T) {
	clock := newFakeClock()
	src, err := newTokenSource(state.AuthSettings{
		Type:        state.AuthJwtHs256,
		Secret:      jwtSecret,
		Subject:     "conn",
		TokenExpiry: time.Minute,
	}, state.SecretKey{}, clock.Now)
	require.NoError(t, err)

	a, err := src.Token()
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	b, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	clock.Advance(time.Minute)
	c, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestJwtVerifierRejectsExpired(t *testing.T) {
	clock := newFakeClock()
	auth := state.AuthSettings{Type: state.AuthJwtHs256, Secret: jwtSecret, Subject: "conn", TokenExpiry: time.Minute}
	src, err := newTokenSource(auth, state.SecretKey{}, clock.Now)
	require.NoError(t, err)
	verifier, err := newTokenVerifier(auth, state.SecretKey{}, clock.Now)
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	require.NoError(t, verifier.Verify(tok))
	// past the expiry and the validation leeway
	clock.Advance(3 * time.Minute)
	assert.ErrorIs(t, verifier.Verify(tok), ErrUnauthorized)
	assert.ErrorIs(t, verifier.Verify("not.a.token"), ErrUnauthorized)
}

func TestShortJwtSecretIsRefused(t *testing.T) {
	_, err := newTokenSource(state.AuthSettings{Type: state.AuthJwtHs256, Secret: "short", Subject: "x"}, state.SecretKey{}, time.Now)
	assert.Error(t, err)
}

func TestHttpLinkAuthenticate(t *testing.T) {
	l, err := NewLink(state.AccountSettings{
		Id:        "alice",
		LinkType:  state.LinkIlpOverHttp,
		RateLimit: 1,
		Link: state.LinkSettings{
			Incoming: state.AuthSettings{Type: state.AuthSimple, Secret: "pw"},
		},
	}, LinkOptions{})
	require.NoError(t, err)
	hl := l.(*HttpLink)
	assert.NoError(t, hl.Authenticate("Bearer pw"))
	assert.ErrorIs(t, hl.Authenticate("Bearer nope"), ErrUnauthorized)
	assert.ErrorIs(t, hl.Authenticate("Basic pw"), ErrUnauthorized)
	assert.ErrorIs(t, hl.Authenticate(""), ErrUnauthorized)

	// burst of two at one packet per second
	assert.True(t, hl.Allow())
	assert.True(t, hl.Allow())
	assert.False(t, hl.Allow())
}

func TestHttpLinkWithoutIncomingAuthDeniesAll(t *testing.T) {
	l, err := NewLink(state.AccountSettings{Id: "x", LinkType: state.LinkIlpOverHttp}, LinkOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, l.(*HttpLink).Authenticate("Bearer anything"), ErrUnauthorized)
}

func TestLinkManager(t *testing.T) {
	sink := &recordingSink{}
	m := NewLinkManager(LinkOptions{Operator: "g.conn"}, sink)
	var connected, disconnected []state.AccountId
	m.OnConnect(func(id state.AccountId) { connected = append(connected, id) })
	m.OnDisconnect(func(id state.AccountId) { disconnected = append(disconnected, id) })

	ctx := context.Background()
	_, err := m.Add(ctx, state.AccountSettings{Id: "b", LinkType: state.LinkLoopback})
	require.NoError(t, err)
	require.NoError(t, m.SetHandler(func(ctx context.Context, source state.AccountId, p *protocol.Prepare) protocol.Response {
		return protocol.PeerFulfill(nil)
	}))
	_, err = m.Add(ctx, state.AccountSettings{Id: "a", LinkType: state.LinkPing})
	require.NoError(t, err)

	// links added after the handler still get it
	a, ok := m.Get("a")
	require.True(t, ok)
	_, ok = protocol.IsFulfill(a.HandleIncoming(ctx, testPrepare("g.conn", 0, protocol.PingCondition)))
	assert.True(t, ok)
	assert.ErrorIs(t, m.SetHandler(func(ctx context.Context, source state.AccountId, p *protocol.Prepare) protocol.Response { return nil }), ErrHandlerRegistered)

	ids := make([]state.AccountId, 0)
	for _, l := range m.All() {
		ids = append(ids, l.AccountId())
	}
	assert.Equal(t, []state.AccountId{"a", "b"}, ids)

	// replacing a link disconnects the old one
	_, err = m.Add(ctx, state.AccountSettings{Id: "a", LinkType: state.LinkLoopback})
	require.NoError(t, err)
	assert.False(t, a.IsConnected())

	require.NoError(t, m.Remove("b"))
	assert.ErrorIs(t, m.Remove("b"), ErrNoLink)
	_, ok = m.Get("b")
	assert.False(t, ok)

	assert.Equal(t, []state.AccountId{"b", "a", "a"}, connected)
	assert.Equal(t, []state.AccountId{"a", "b"}, disconnected)
	assert.Contains(t, sink.Events(), LinkDisconnected{AccountId: "b"})
}
