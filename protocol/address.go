package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// Address is an Interledger address, e.g. g.alice.bob. The same type is used for
// routing prefixes, which may also be a bare allocation scheme such as "g".
type Address string

const MaxAddressLength = 1023

var (
	addressPattern = regexp.MustCompile(`^(g|private|example|peer|self|test[1-3]?|local)([.][a-zA-Z0-9_~-]+)+$`)
	prefixPattern  = regexp.MustCompile(`^(g|private|example|peer|self|test[1-3]?|local)([.][a-zA-Z0-9_~-]+)*$`)
)

func ParseAddress(s string) (Address, error) {
	if len(s) > MaxAddressLength {
		return "", fmt.Errorf("address is %d bytes, maximum is %d", len(s), MaxAddressLength)
	}
	if !addressPattern.MatchString(s) {
		return "", fmt.Errorf("%q is not a valid interledger address", s)
	}
	return Address(s), nil
}

func ParsePrefix(s string) (Address, error) {
	if len(s) > MaxAddressLength {
		return "", fmt.Errorf("prefix is %d bytes, maximum is %d", len(s), MaxAddressLength)
	}
	if !prefixPattern.MatchString(s) {
		return "", fmt.Errorf("%q is not a valid interledger address prefix", s)
	}
	return Address(s), nil
}

func (a Address) String() string {
	return string(a)
}

func (a Address) Segments() []string {
	if a == "" {
		return nil
	}
	return strings.Split(string(a), ".")
}

// HasPrefix reports whether prefix matches a segment-wise: g.alice matches
// g.alice and g.alice.bob but not g.alicia.
func (a Address) HasPrefix(prefix Address) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(string(a), string(prefix)) {
		return false
	}
	return len(a) == len(prefix) || a[len(prefix)] == '.'
}

// With appends a segment to the address.
func (a Address) With(segment string) Address {
	if a == "" {
		return Address(segment)
	}
	return Address(string(a) + "." + segment)
}

// Scheme returns the allocation scheme, the first segment of the address.
func (a Address) Scheme() string {
	s, _, _ := strings.Cut(string(a), ".")
	return s
}
