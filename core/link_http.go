package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"golang.org/x/time/rate"
)

const (
	contentTypeOer = "application/octet-stream"
	// an OER packet never exceeds its 32767 byte data field by much
	maxPacketBytes = 64 * 1024
)

// HttpLink speaks ILP over HTTP: every prepare is one POST carrying the OER
// packet, answered with the OER fulfill or reject in the response body.
type HttpLink struct {
	baseLink
	url      string
	client   *http.Client
	outgoing tokenSource
	incoming tokenVerifier
	limiter  *rate.Limiter
	log      *slog.Logger
}

func newHttpLink(acct state.AccountSettings, opts LinkOptions) (Link, error) {
	out, err := newTokenSource(acct.Link.Outgoing, opts.Key, opts.Now)
	if err != nil {
		return nil, fmt.Errorf("account %s outgoing auth: %w", acct.Id, err)
	}
	in, err := newTokenVerifier(acct.Link.Incoming, opts.Key, opts.Now)
	if err != nil {
		return nil, fmt.Errorf("account %s incoming auth: %w", acct.Id, err)
	}
	client := opts.Client
	if client == nil {
		client = NewIlpHttpClient()
	}
	l := &HttpLink{
		baseLink: baseLink{id: acct.Id, operator: opts.Operator},
		url:      acct.Link.Url,
		client:   client,
		outgoing: out,
		incoming: in,
		log:      opts.Log.With("account", acct.Id),
	}
	if acct.RateLimit > 0 {
		burst := max(1, int(acct.RateLimit*state.RateLimitBurstRatio))
		l.limiter = rate.NewLimiter(rate.Limit(acct.RateLimit), burst)
	}
	return l, nil
}

// NewIlpHttpClient returns the client used by http links. HTTP/2 is
// negotiated for https peers; the ilp listener also accepts cleartext h2c.
func NewIlpHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ForceAttemptHTTP2 = true
	transport.MaxIdleConnsPerHost = 64
	return &http.Client{
		Transport: transport,
		Timeout:   state.LinkRequestTimeout,
	}
}

func (l *HttpLink) Connect(ctx context.Context) error {
	if l.url == "" {
		// incoming only
		l.log.Debug("link has no url, outgoing packets will fail")
	}
	return l.baseLink.Connect(ctx)
}

func (l *HttpLink) SendPacket(ctx context.Context, p *protocol.Prepare) (protocol.Response, error) {
	if !l.IsConnected() {
		return nil, ErrLinkNotConnected
	}
	if l.url == "" {
		return nil, fmt.Errorf("account %s has no link url", l.id)
	}
	body, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeOer)
	req.Header.Set("Accept", contentTypeOer)
	if l.outgoing != nil {
		tok, err := l.outgoing.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to create auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("peer %s answered %s: %s", l.id, resp.Status, strings.TrimSpace(string(msg)))
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxPacketBytes+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxPacketBytes {
		return nil, fmt.Errorf("peer %s sent an oversized response", l.id)
	}
	return protocol.UnmarshalResponse(buf)
}

// Authenticate checks the bearer token of an incoming request.
func (l *HttpLink) Authenticate(authorization string) error {
	tok, ok := bearerToken(authorization)
	if !ok {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	return l.incoming.Verify(tok)
}

// Allow reports whether another incoming packet fits the account's rate limit.
func (l *HttpLink) Allow() bool {
	return l.limiter == nil || l.limiter.Allow()
}
