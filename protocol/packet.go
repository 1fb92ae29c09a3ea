package protocol

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"
)

type PacketType uint8

const (
	TypePrepare PacketType = 12
	TypeFulfill PacketType = 13
	TypeReject  PacketType = 14
)

// MaxDataLength is the largest data payload allowed in any ILP packet.
const MaxDataLength = 32767

type Condition [32]byte
type Fulfillment [32]byte

// Condition returns sha256(fulfillment).
func (f Fulfillment) Condition() Condition {
	return sha256.Sum256(f[:])
}

// Validates reports whether the fulfillment is the preimage of c.
func (f Fulfillment) Validates(c Condition) bool {
	h := f.Condition()
	return subtle.ConstantTimeCompare(h[:], c[:]) == 1
}

type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition Condition
	Destination        Address
	Data               []byte
}

// Response is either a *Fulfill or a *Reject.
type Response interface {
	Type() PacketType
	response()
}

type Fulfill struct {
	Fulfillment Fulfillment
	Data        []byte
}

type Reject struct {
	Code        ErrorCode
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (*Prepare) Type() PacketType { return TypePrepare }
func (*Fulfill) Type() PacketType { return TypeFulfill }
func (*Reject) Type() PacketType  { return TypeReject }

func (*Fulfill) response() {}
func (*Reject) response()  {}

// WithExpiry returns a shallow copy of the prepare with a different expiry.
func (p *Prepare) WithExpiry(t time.Time) *Prepare {
	cp := *p
	cp.ExpiresAt = t
	return &cp
}

// WithAmount returns a shallow copy of the prepare with a different amount.
func (p *Prepare) WithAmount(amount uint64) *Prepare {
	cp := *p
	cp.Amount = amount
	return &cp
}

func (p *Prepare) String() string {
	return fmt.Sprintf("prepare(dst: %s, amount: %d, expires: %s)", p.Destination, p.Amount, p.ExpiresAt.UTC().Format(time.RFC3339Nano))
}

func (r *Reject) String() string {
	return fmt.Sprintf("reject(%s, by: %s, msg: %q)", r.Code, r.TriggeredBy, r.Message)
}

func (r *Reject) Error() string {
	return r.String()
}

func NewReject(code ErrorCode, by Address, format string, args ...any) *Reject {
	return &Reject{
		Code:        code,
		TriggeredBy: by,
		Message:     fmt.Sprintf(format, args...),
	}
}

// IsFulfill returns the fulfill if r is one.
func IsFulfill(r Response) (*Fulfill, bool) {
	f, ok := r.(*Fulfill)
	return f, ok
}

// IsReject returns the reject if r is one.
func IsReject(r Response) (*Reject, bool) {
	rj, ok := r.(*Reject)
	return rj, ok
}
