package rebalance

import (
	"fmt"
	"math/big"
	"strings"
)

// Amount is a big integer that serializes as a canonical decimal string.
// Checkpoints written by older builds encoded amounts as 0x-prefixed hex;
// those are still accepted on read.
type Amount struct {
	big.Int
}

// NewAmount copies v into an Amount.
func NewAmount(v *big.Int) *Amount {
	a := &Amount{}
	a.Set(v)
	return a
}

func (a *Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return fmt.Errorf("empty amount")
	}

	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	if _, ok := a.SetString(s, base); !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	return nil
}
