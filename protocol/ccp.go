package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Connector-to-Connector Protocol payloads (RFC 0010).

type SyncMode uint8

const (
	ModeIdle SyncMode = 0
	ModeSync SyncMode = 1
)

func (m SyncMode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeSync:
		return "SYNC"
	}
	return fmt.Sprintf("SyncMode(%d)", uint8(m))
}

type RouteControlRequest struct {
	Mode                    SyncMode
	LastKnownRoutingTableId uuid.UUID
	LastKnownEpoch          uint32
	Features                []string
}

type RouteProp struct {
	Optional   bool
	Transitive bool
	Partial    bool
	Utf8       bool
	Id         uint16
	Value      []byte
}

type CcpRoute struct {
	Prefix Address
	Path   []Address
	Auth   [32]byte
	Props  []RouteProp
}

type RouteUpdateRequest struct {
	RoutingTableId    uuid.UUID
	CurrentEpochIndex uint32
	FromEpochIndex    uint32
	ToEpochIndex      uint32
	HoldDownTime      uint32 // milliseconds
	Speaker           Address
	NewRoutes         []CcpRoute
	WithdrawnRoutes   []Address
}

func (c RouteControlRequest) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint8(uint8(c.Mode))
	w.raw(c.LastKnownRoutingTableId[:])
	w.uint32(c.LastKnownEpoch)
	w.varUint(uint64(len(c.Features)))
	for _, f := range c.Features {
		w.varString(f)
	}
	return w.buf, nil
}

func (c *RouteControlRequest) UnmarshalBinary(b []byte) error {
	r := &reader{buf: b}
	c.Mode = SyncMode(r.uint8())
	copy(c.LastKnownRoutingTableId[:], r.take(16))
	c.LastKnownEpoch = r.uint32()
	n := r.count()
	c.Features = make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		c.Features = append(c.Features, r.varString())
	}
	if err := r.done(); err != nil {
		return err
	}
	if c.Mode != ModeIdle && c.Mode != ModeSync {
		return fmt.Errorf("invalid route control mode %d", c.Mode)
	}
	return nil
}

const (
	propOptional   = 0x80
	propTransitive = 0x40
	propPartial    = 0x20
	propUtf8       = 0x10
)

func (p RouteProp) meta() uint8 {
	var m uint8
	if p.Optional {
		m |= propOptional
	}
	if p.Transitive {
		m |= propTransitive
	}
	if p.Partial {
		m |= propPartial
	}
	if p.Utf8 {
		m |= propUtf8
	}
	return m
}

func (u RouteUpdateRequest) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.raw(u.RoutingTableId[:])
	w.uint32(u.CurrentEpochIndex)
	w.uint32(u.FromEpochIndex)
	w.uint32(u.ToEpochIndex)
	w.uint32(u.HoldDownTime)
	w.varString(string(u.Speaker))
	w.varUint(uint64(len(u.NewRoutes)))
	for _, route := range u.NewRoutes {
		w.varString(string(route.Prefix))
		w.varUint(uint64(len(route.Path)))
		for _, hop := range route.Path {
			w.varString(string(hop))
		}
		w.raw(route.Auth[:])
		w.varUint(uint64(len(route.Props)))
		for _, prop := range route.Props {
			w.uint8(prop.meta())
			w.uint16(prop.Id)
			w.varOctets(prop.Value)
		}
	}
	w.varUint(uint64(len(u.WithdrawnRoutes)))
	for _, prefix := range u.WithdrawnRoutes {
		w.varString(string(prefix))
	}
	return w.buf, nil
}

// count reads a sequence length, bounded by the remaining input so a
// malicious prefix cannot force a huge allocation.
func (r *reader) count() int {
	n := r.varUint()
	if r.err == nil && n > uint64(len(r.buf)) {
		r.err = ErrTruncated
	}
	if r.err != nil {
		return 0
	}
	return int(n)
}

func (u *RouteUpdateRequest) UnmarshalBinary(b []byte) error {
	r := &reader{buf: b}
	copy(u.RoutingTableId[:], r.take(16))
	u.CurrentEpochIndex = r.uint32()
	u.FromEpochIndex = r.uint32()
	u.ToEpochIndex = r.uint32()
	u.HoldDownTime = r.uint32()
	u.Speaker = Address(r.varString())

	n := r.count()
	u.NewRoutes = make([]CcpRoute, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		route := CcpRoute{Prefix: Address(r.varString())}
		hops := r.count()
		for j := 0; j < hops && r.err == nil; j++ {
			route.Path = append(route.Path, Address(r.varString()))
		}
		copy(route.Auth[:], r.take(32))
		props := r.count()
		for j := 0; j < props && r.err == nil; j++ {
			meta := r.uint8()
			route.Props = append(route.Props, RouteProp{
				Optional:   meta&propOptional != 0,
				Transitive: meta&propTransitive != 0,
				Partial:    meta&propPartial != 0,
				Utf8:       meta&propUtf8 != 0,
				Id:         r.uint16(),
				Value:      r.varOctets(),
			})
		}
		u.NewRoutes = append(u.NewRoutes, route)
	}

	n = r.count()
	u.WithdrawnRoutes = make([]Address, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		u.WithdrawnRoutes = append(u.WithdrawnRoutes, Address(r.varString()))
	}
	if err := r.done(); err != nil {
		return err
	}
	if u.ToEpochIndex < u.FromEpochIndex {
		return fmt.Errorf("route update epoch range [%d, %d) is inverted", u.FromEpochIndex, u.ToEpochIndex)
	}
	return nil
}
