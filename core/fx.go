package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/shopspring/decimal"
)

var (
	ErrNoRate         = errors.New("no exchange rate")
	ErrAmountOverflow = errors.New("converted amount does not fit into 64 bits")
)

// RateProvider supplies the price of one unit of from in units of to.
type RateProvider interface {
	Rate(from, to string) (decimal.Decimal, bool)
}

// StaticRates is a fixed table of "FROM/TO" rates. The inverse pair is used
// when only "TO/FROM" is present.
type StaticRates map[string]decimal.Decimal

func ParseRates(raw map[string]string) (StaticRates, error) {
	rates := make(StaticRates, len(raw))
	for pair, v := range raw {
		if err := state.FxPairValidator(pair, v); err != nil {
			return nil, err
		}
		rates[strings.ToUpper(pair)] = decimal.RequireFromString(v)
	}
	return rates, nil
}

func (r StaticRates) Rate(from, to string) (decimal.Decimal, bool) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}
	if d, ok := r[from+"/"+to]; ok {
		return d, true
	}
	if d, ok := r[to+"/"+from]; ok && !d.IsZero() {
		return decimal.NewFromInt(1).DivRound(d, 16), true
	}
	return decimal.Decimal{}, false
}

// cfgRates re-parses the configured rates whenever the live config changes.
type cfgRates struct {
	env *state.Env

	mu      sync.Mutex
	version uint64
	rates   StaticRates
}

func (c *cfgRates) Rate(from, to string) (decimal.Decimal, bool) {
	c.mu.Lock()
	if v := c.env.CfgVersion(); v != c.version || c.rates == nil {
		rates, err := ParseRates(c.env.Cfg().FxRates)
		if err != nil {
			// validated on load, keep the previous table
			c.env.Log.Warn("invalid fx rates", "error", err)
		} else {
			c.rates = rates
		}
		c.version = v
	}
	rates := c.rates
	c.mu.Unlock()
	return rates.Rate(from, to)
}

// ConvertAmount converts amount between two accounts, rounding down.
func ConvertAmount(rates RateProvider, amount uint64, src, dst state.AccountSettings) (uint64, error) {
	if amount == 0 {
		return 0, nil
	}
	rate, ok := rates.Rate(src.AssetCode, dst.AssetCode)
	if !ok {
		return 0, fmt.Errorf("%w for %s/%s", ErrNoRate, src.AssetCode, dst.AssetCode)
	}
	out := decimal.NewFromUint64(amount).
		Mul(rate).
		Shift(int32(dst.AssetScale) - int32(src.AssetScale)).
		Floor()
	if out.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, out)
	}
	return out.BigInt().Uint64(), nil
}
