package groot

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a link-layer node identity.
type Address uint16

// NullAddress means "no node".
const NullAddress Address = 0

func (a Address) IsNull() bool {
	return a == NullAddress
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d", uint8(a>>8), uint8(a))
}

// ParseAddress accepts either the dotted "hi.lo" form printed by String or a plain integer.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if hi, lo, found := strings.Cut(s, "."); found {
		h, err := strconv.ParseUint(hi, 10, 8)
		if err != nil {
			return NullAddress, fmt.Errorf("invalid address %q: %w", s, err)
		}
		l, err := strconv.ParseUint(lo, 10, 8)
		if err != nil {
			return NullAddress, fmt.Errorf("invalid address %q: %w", s, err)
		}
		return Address(h<<8 | l), nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return NullAddress, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}
