package store

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stored records.
const (
	accountYaml protowire.Number = 1

	routePrefix  protowire.Number = 1
	routeNextHop protowire.Number = 2

	balanceClearing protowire.Number = 1
	balancePrepaid  protowire.Number = 2
)

func encodeAccount(a state.AccountSettings) ([]byte, error) {
	doc, err := yaml.Marshal(a)
	if err != nil {
		return nil, err
	}
	b := protowire.AppendTag(nil, accountYaml, protowire.BytesType)
	return protowire.AppendBytes(b, doc), nil
}

func decodeAccount(b []byte) (state.AccountSettings, error) {
	var a state.AccountSettings
	var doc []byte
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if num == accountYaml && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			doc = v
			return n, true
		}
		return 0, false
	})
	if err != nil {
		return a, err
	}
	if doc == nil {
		return a, fmt.Errorf("account record has no body")
	}
	if err := yaml.Unmarshal(doc, &a); err != nil {
		return a, err
	}
	state.ExpandAccount(&a)
	return a, nil
}

func encodeStaticRoute(r state.StaticRouteCfg) []byte {
	b := protowire.AppendTag(nil, routePrefix, protowire.BytesType)
	b = protowire.AppendString(b, string(r.Prefix))
	b = protowire.AppendTag(b, routeNextHop, protowire.BytesType)
	return protowire.AppendString(b, string(r.NextHop))
}

func decodeStaticRoute(b []byte) (state.StaticRouteCfg, error) {
	var r state.StaticRouteCfg
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if typ != protowire.BytesType {
			return 0, false
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case routePrefix:
			r.Prefix = protocol.Address(v)
		case routeNextHop:
			r.NextHop = state.AccountId(v)
		default:
			return 0, false
		}
		return n, true
	})
	return r, err
}

func encodeBalance(bal state.AccountBalance) []byte {
	b := protowire.AppendTag(nil, balanceClearing, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(bal.Clearing))
	b = protowire.AppendTag(b, balancePrepaid, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(bal.Prepaid))
}

func decodeBalance(b []byte) (state.AccountBalance, error) {
	var bal state.AccountBalance
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if typ != protowire.VarintType {
			return 0, false
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case balanceClearing:
			bal.Clearing = protowire.DecodeZigZag(v)
		case balancePrepaid:
			bal.Prepaid = protowire.DecodeZigZag(v)
		default:
			return 0, false
		}
		return n, true
	})
	return bal, err
}

// consumeFields walks a record. fn returns the number of bytes it consumed
// for the field value and false for fields it does not know.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, bool)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, known := fn(num, typ, b)
		if !known {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
