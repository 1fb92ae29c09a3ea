package core

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"go.step.sm/crypto/jose"
)

var ErrUnauthorized = errors.New("unauthorized")

// minHmacKeyLen is the smallest secret accepted for HS256 tokens.
const minHmacKeyLen = 32

type tokenSource interface {
	Token() (string, error)
}

type tokenVerifier interface {
	Verify(token string) error
}

func revealSecret(a state.AuthSettings, key state.SecretKey) ([]byte, error) {
	secret, err := a.Secret.Reveal(key)
	if err != nil {
		return nil, err
	}
	if a.Type == state.AuthJwtHs256 && len(secret) < minHmacKeyLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minHmacKeyLen)
	}
	return secret, nil
}

func newTokenSource(a state.AuthSettings, key state.SecretKey, now func() time.Time) (tokenSource, error) {
	switch a.Type {
	case "":
		return nil, nil
	case state.AuthSimple:
		secret, err := revealSecret(a, key)
		if err != nil {
			return nil, err
		}
		return simpleToken(secret), nil
	case state.AuthJwtHs256:
		secret, err := revealSecret(a, key)
		if err != nil {
			return nil, err
		}
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
		if err != nil {
			return nil, err
		}
		return &jwtTokenSource{settings: a, signer: signer, now: now}, nil
	}
	return nil, fmt.Errorf("unknown auth type %s", a.Type)
}

func newTokenVerifier(a state.AuthSettings, key state.SecretKey, now func() time.Time) (tokenVerifier, error) {
	switch a.Type {
	case "":
		return denyAll{}, nil
	case state.AuthSimple:
		secret, err := revealSecret(a, key)
		if err != nil {
			return nil, err
		}
		return simpleToken(secret), nil
	case state.AuthJwtHs256:
		secret, err := revealSecret(a, key)
		if err != nil {
			return nil, err
		}
		return &jwtVerifier{settings: a, secret: secret, now: now}, nil
	}
	return nil, fmt.Errorf("unknown auth type %s", a.Type)
}

type simpleToken []byte

func (s simpleToken) Token() (string, error) {
	return string(s), nil
}

func (s simpleToken) Verify(token string) error {
	if subtle.ConstantTimeCompare([]byte(token), s) != 1 {
		return ErrUnauthorized
	}
	return nil
}

type denyAll struct{}

func (denyAll) Verify(string) error {
	return fmt.Errorf("%w: account accepts no incoming requests", ErrUnauthorized)
}

// jwtTokenSource signs HS256 tokens and reuses one until it is close to expiry.
type jwtTokenSource struct {
	settings state.AuthSettings
	signer   jose.Signer
	now      func() time.Time

	mu      sync.Mutex
	cached  string
	refresh time.Time
}

func (j *jwtTokenSource) Token() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	if j.cached != "" && now.Before(j.refresh) {
		return j.cached, nil
	}
	expiry := j.settings.TokenExpiry
	if expiry <= 0 {
		expiry = state.DefaultTokenExpiry
	}
	claims := jose.Claims{
		Issuer:   j.settings.Issuer,
		Subject:  j.settings.Subject,
		IssuedAt: jose.NewNumericDate(now),
		Expiry:   jose.NewNumericDate(now.Add(expiry)),
	}
	if j.settings.Audience != "" {
		claims.Audience = []string{j.settings.Audience}
	}
	tok, err := jose.Signed(j.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", err
	}
	j.cached = tok
	j.refresh = now.Add(expiry / 2)
	return tok, nil
}

type jwtVerifier struct {
	settings state.AuthSettings
	secret   []byte
	now      func() time.Time
}

func (j *jwtVerifier) Verify(token string) error {
	tok, err := jose.ParseSigned(token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	var claims jose.Claims
	if err := tok.Claims(j.secret, &claims); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	expected := jose.Expected{
		Issuer:  j.settings.Issuer,
		Subject: j.settings.Subject,
		Time:    j.now(),
	}
	if j.settings.Audience != "" {
		expected.Audience = []string{j.settings.Audience}
	}
	if err := claims.Validate(expected); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Expiry == nil {
		return fmt.Errorf("%w: token has no expiry", ErrUnauthorized)
	}
	return nil
}

// bearerToken extracts the token of an Authorization header.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}
