package store

import (
	"fmt"
	"math/big"
	"strings"
)

// BigInt is an arbitrary-precision integer that serializes as a
// decimal-string token with an "n" suffix ("12345n"), so values beyond
// float64 precision round-trip exactly. The zero value is 0.
type BigInt struct {
	v *big.Int
}

func NewBigInt(v *big.Int) BigInt {
	if v == nil {
		return BigInt{}
	}
	return BigInt{v: new(big.Int).Set(v)}
}

func BigIntFromUint64(v uint64) BigInt {
	return BigInt{v: new(big.Int).SetUint64(v)}
}

// Int returns the value as a big.Int copy, never nil.
func (b BigInt) Int() *big.Int {
	if b.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.v)
}

func (b BigInt) Sign() int {
	if b.v == nil {
		return 0
	}
	return b.v.Sign()
}

func (b BigInt) Cmp(other BigInt) int {
	return b.Int().Cmp(other.Int())
}

// Add returns b + other without mutating either operand.
func (b BigInt) Add(other BigInt) BigInt {
	return BigInt{v: new(big.Int).Add(b.Int(), other.Int())}
}

func (b BigInt) String() string {
	if b.v == nil {
		return "0"
	}
	return b.v.String()
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `n"`), nil
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		b.v = nil
		return nil
	}
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSuffix(s, "n")
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid big integer token %q", string(data))
	}
	b.v = v
	return nil
}
