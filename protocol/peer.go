package protocol

import "time"

// Reserved addresses answered by the connector itself instead of being forwarded.
const (
	PeerPrefix       Address = "peer"
	PeerConfig       Address = "peer.config"
	PeerRouteControl Address = "peer.route.control"
	PeerRouteUpdate  Address = "peer.route.update"
)

var (
	// PeerProtocolFulfillment is the fulfillment used by every peer protocol
	// packet. Its condition is PeerProtocolCondition.
	PeerProtocolFulfillment = Fulfillment{}
	PeerProtocolCondition   = PeerProtocolFulfillment.Condition()

	// PingFulfillment is the ascii string "pingpingpingpingpingpingpingping".
	PingFulfillment = Fulfillment([]byte("pingpingpingpingpingpingpingping"))
	PingCondition   = PingFulfillment.Condition()
)

// PeerProtocolExpiry is the expiry window used for packets the connector
// originates towards its peers.
const PeerProtocolExpiry = 30 * time.Second

func IsPeerProtocol(dst Address) bool {
	return dst.HasPrefix(PeerPrefix)
}

// NewPeerPrepare builds a zero amount prepare for a peer protocol address.
func NewPeerPrepare(dst Address, data []byte, now time.Time) *Prepare {
	return &Prepare{
		Amount:             0,
		ExpiresAt:          now.Add(PeerProtocolExpiry),
		ExecutionCondition: PeerProtocolCondition,
		Destination:        dst,
		Data:               data,
	}
}

func PeerFulfill(data []byte) *Fulfill {
	return &Fulfill{Fulfillment: PeerProtocolFulfillment, Data: data}
}

// IldcpResponse is the payload of a fulfilled peer.config request.
type IldcpResponse struct {
	ClientAddress Address
	AssetScale    uint8
	AssetCode     string
}

func (i IldcpResponse) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.varString(string(i.ClientAddress))
	w.uint8(i.AssetScale)
	w.varString(i.AssetCode)
	return w.buf, nil
}

func (i *IldcpResponse) UnmarshalBinary(b []byte) error {
	r := &reader{buf: b}
	addr := r.varString()
	i.AssetScale = r.uint8()
	i.AssetCode = r.varString()
	if err := r.done(); err != nil {
		return err
	}
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	i.ClientAddress = a
	return nil
}
