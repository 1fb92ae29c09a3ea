package protocol

import (
	"errors"
	"fmt"
)

var ErrUnknownPacketType = errors.New("unknown packet type")

func envelope(t PacketType, contents []byte) []byte {
	w := writer{buf: make([]byte, 0, len(contents)+4)}
	w.uint8(uint8(t))
	w.varOctets(contents)
	return w.buf
}

func (p *Prepare) MarshalBinary() ([]byte, error) {
	if len(p.Data) > MaxDataLength {
		return nil, fmt.Errorf("prepare data is %d bytes, maximum is %d", len(p.Data), MaxDataLength)
	}
	w := writer{}
	w.uint64(p.Amount)
	w.timestamp(p.ExpiresAt)
	w.raw(p.ExecutionCondition[:])
	w.varString(string(p.Destination))
	w.varOctets(p.Data)
	return envelope(TypePrepare, w.buf), nil
}

func (f *Fulfill) MarshalBinary() ([]byte, error) {
	if len(f.Data) > MaxDataLength {
		return nil, fmt.Errorf("fulfill data is %d bytes, maximum is %d", len(f.Data), MaxDataLength)
	}
	w := writer{}
	w.raw(f.Fulfillment[:])
	w.varOctets(f.Data)
	return envelope(TypeFulfill, w.buf), nil
}

func (r *Reject) MarshalBinary() ([]byte, error) {
	if len(r.Code) != 3 {
		return nil, fmt.Errorf("invalid reject code %q", r.Code)
	}
	if len(r.Data) > MaxDataLength {
		return nil, fmt.Errorf("reject data is %d bytes, maximum is %d", len(r.Data), MaxDataLength)
	}
	w := writer{}
	w.raw([]byte(r.Code))
	w.varString(string(r.TriggeredBy))
	w.varString(r.Message)
	w.varOctets(r.Data)
	return envelope(TypeReject, w.buf), nil
}

func openEnvelope(b []byte) (PacketType, *reader, error) {
	r := &reader{buf: b}
	t := PacketType(r.uint8())
	contents := r.varOctets()
	if err := r.done(); err != nil {
		return 0, nil, err
	}
	return t, &reader{buf: contents}, nil
}

func decodePrepare(r *reader) (*Prepare, error) {
	p := &Prepare{}
	p.Amount = r.uint64()
	p.ExpiresAt = r.timestamp()
	copy(p.ExecutionCondition[:], r.take(32))
	dst := r.varString()
	p.Data = r.varOctets()
	if err := r.done(); err != nil {
		return nil, err
	}
	addr, err := ParseAddress(dst)
	if err != nil {
		return nil, err
	}
	p.Destination = addr
	return p, nil
}

func decodeFulfill(r *reader) (*Fulfill, error) {
	f := &Fulfill{}
	copy(f.Fulfillment[:], r.take(32))
	f.Data = r.varOctets()
	if err := r.done(); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeReject(r *reader) (*Reject, error) {
	rj := &Reject{}
	rj.Code = ErrorCode(r.take(3))
	rj.TriggeredBy = Address(r.varString())
	rj.Message = r.varString()
	rj.Data = r.varOctets()
	if err := r.done(); err != nil {
		return nil, err
	}
	return rj, nil
}

func UnmarshalPrepare(b []byte) (*Prepare, error) {
	t, r, err := openEnvelope(b)
	if err != nil {
		return nil, err
	}
	if t != TypePrepare {
		return nil, fmt.Errorf("expected prepare, got packet type %d", t)
	}
	return decodePrepare(r)
}

// UnmarshalResponse decodes a fulfill or reject packet.
func UnmarshalResponse(b []byte) (Response, error) {
	t, r, err := openEnvelope(b)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeFulfill:
		return decodeFulfill(r)
	case TypeReject:
		return decodeReject(r)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, t)
}

func MarshalResponse(r Response) ([]byte, error) {
	switch v := r.(type) {
	case *Fulfill:
		return v.MarshalBinary()
	case *Reject:
		return v.MarshalBinary()
	}
	return nil, ErrUnknownPacketType
}

// AmountTooLargeData is the data attached to F08 rejects.
type AmountTooLargeData struct {
	ReceivedAmount uint64
	MaximumAmount  uint64
}

func (d AmountTooLargeData) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint64(d.ReceivedAmount)
	w.uint64(d.MaximumAmount)
	return w.buf, nil
}

func (d *AmountTooLargeData) UnmarshalBinary(b []byte) error {
	r := &reader{buf: b}
	d.ReceivedAmount = r.uint64()
	d.MaximumAmount = r.uint64()
	return r.done()
}
