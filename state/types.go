package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/shopspring/decimal"
)

type AccountId string

// Relationship is the commercial relationship with the account holder. The
// numeric value doubles as the route preference weight: lower wins.
type Relationship uint8

const (
	Parent Relationship = iota
	Peer
	Child
	Local
)

var relationshipNames = []string{"PARENT", "PEER", "CHILD", "LOCAL"}

func (r Relationship) Weight() int {
	return int(r)
}

func (r Relationship) String() string {
	if int(r) < len(relationshipNames) {
		return relationshipNames[r]
	}
	return fmt.Sprintf("Relationship(%d)", uint8(r))
}

func (r Relationship) MarshalText() ([]byte, error) {
	if int(r) >= len(relationshipNames) {
		return nil, fmt.Errorf("unknown relationship %d", r)
	}
	return []byte(relationshipNames[r]), nil
}

func (r *Relationship) UnmarshalText(text []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, name := range relationshipNames {
		if name == s {
			*r = Relationship(i)
			return nil
		}
	}
	return fmt.Errorf("unknown relationship %q", string(text))
}

// ReceivesRoutesFrom reports whether routes learned from an account with
// relationship src may be advertised to an account with relationship r.
// Routes learned from parents and peers are only re-advertised to children.
func (r Relationship) ReceivesRoutesFrom(src Relationship) bool {
	if src == Parent || src == Peer {
		return r == Child
	}
	return true
}

type LinkType string

const (
	LinkIlpOverHttp LinkType = "ILP_OVER_HTTP"
	LinkLoopback    LinkType = "LOOPBACK"
	LinkPing        LinkType = "PING"
)

type AuthType string

const (
	AuthSimple   AuthType = "SIMPLE"
	AuthJwtHs256 AuthType = "JWT_HS_256"
)

// Route is one entry of the routing table. Path lists the connectors the
// route was advertised through, origin first.
type Route struct {
	Prefix  protocol.Address
	NextHop AccountId
	Path    []protocol.Address
	Auth    [32]byte
	Props   []protocol.RouteProp
	Static  bool
}

func (r Route) String() string {
	kind := "learned"
	if r.Static {
		kind = "static"
	}
	return fmt.Sprintf("%s -> %s (%s, path %v)", r.Prefix, r.NextHop, kind, r.Path)
}

type AccountBalance struct {
	AccountId AccountId `json:"account_id"`
	Clearing  int64     `json:"clearing_balance"`
	Prepaid   int64     `json:"prepaid_amount"`
}

func (b AccountBalance) Net() int64 {
	return b.Clearing + b.Prepaid
}

var ErrInvalidQuantity = errors.New("invalid settlement quantity")

// SettlementQuantity is an amount exchanged with a settlement engine. Amount
// is an unsigned integer string in units of 10^-Scale.
type SettlementQuantity struct {
	Amount string `json:"amount"`
	Scale  uint8  `json:"scale"`
}

func NewSettlementQuantity(amount uint64, scale uint8) SettlementQuantity {
	return SettlementQuantity{Amount: strconv.FormatUint(amount, 10), Scale: scale}
}

func (q SettlementQuantity) Validate() error {
	d, err := decimal.NewFromString(q.Amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuantity, err)
	}
	if d.IsNegative() {
		return fmt.Errorf("%w: amount %s is negative", ErrInvalidQuantity, q.Amount)
	}
	if !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("%w: amount %s is not an integer", ErrInvalidQuantity, q.Amount)
	}
	return nil
}

// ScaleTo converts the quantity into units of 10^-scale, rounding down.
func (q SettlementQuantity) ScaleTo(scale uint8) (uint64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	d := decimal.RequireFromString(q.Amount).Shift(int32(scale) - int32(q.Scale)).Floor()
	n := d.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit into 64 bits", ErrInvalidQuantity, d)
	}
	return n.Uint64(), nil
}
