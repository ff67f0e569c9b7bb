package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// decimalContext is shared by every Quantity operation.
var decimalContext = apd.BaseContext.WithPrecision(34)

// Quantity is an exact decimal amount (kWh, currency, price).
//
// The zero value is 0. Operations never mutate their operands.
type Quantity struct {
	value apd.Decimal
}

// NewQuantity parses a decimal string such as "97.5".
func NewQuantity(s string) (Quantity, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Quantity{}, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return Quantity{value: d}, nil
}

// MustQuantity is NewQuantity for literals; it panics on malformed input.
func MustQuantity(s string) Quantity {
	q, err := NewQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

// QuantityFromFloat converts f using its shortest round-trip representation,
// so 97.5 becomes exactly 97.5.
func QuantityFromFloat(f float64) (Quantity, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Quantity{}, fmt.Errorf("invalid quantity: %v", f)
	}
	return NewQuantity(strconv.FormatFloat(f, 'f', -1, 64))
}

// QuantityFromInt64 returns i as a Quantity.
func QuantityFromInt64(i int64) Quantity {
	var d apd.Decimal
	d.SetInt64(i)
	return Quantity{value: d}
}

// String returns the plain decimal text, never exponent notation.
func (q Quantity) String() string {
	return q.value.Text('f')
}

// IsZero reports whether q equals zero.
func (q Quantity) IsZero() bool {
	return q.value.IsZero()
}

// IsFinite reports whether q is neither NaN nor infinite.
func (q Quantity) IsFinite() bool {
	return q.value.Form == apd.Finite
}

// Sign returns -1, 0 or +1.
func (q Quantity) Sign() int {
	return q.value.Sign()
}

// Cmp compares q and other.
func (q Quantity) Cmp(other Quantity) int {
	return q.value.Cmp(&other.value)
}

// Equal reports whether q and other are numerically equal ("2.50" == "2.5").
func (q Quantity) Equal(other Quantity) bool {
	return q.Cmp(other) == 0
}

// Add returns q + other.
func (q Quantity) Add(other Quantity) Quantity {
	var result apd.Decimal
	decimalContext.Add(&result, &q.value, &other.value)
	return Quantity{value: result}
}

// Sub returns q - other.
func (q Quantity) Sub(other Quantity) Quantity {
	var result apd.Decimal
	decimalContext.Sub(&result, &q.value, &other.value)
	return Quantity{value: result}
}

// Max returns the larger of q and other.
func (q Quantity) Max(other Quantity) Quantity {
	if other.Cmp(q) > 0 {
		return other
	}
	return q
}

// ClampZero returns q, or 0 when q is negative.
func (q Quantity) ClampZero() Quantity {
	if q.Sign() < 0 {
		return Quantity{}
	}
	return q
}

// Clone returns a deep copy that shares no coefficient storage with q.
func (q Quantity) Clone() Quantity {
	var d apd.Decimal
	d.Set(&q.value)
	return Quantity{value: d}
}

// Float64 returns an approximation for metrics and sketches.
func (q Quantity) Float64() float64 {
	f, err := q.value.Float64()
	if err != nil {
		return math.NaN()
	}
	return f
}

// MarshalJSON encodes q as a bare JSON number.
func (q Quantity) MarshalJSON() ([]byte, error) {
	if !q.IsFinite() {
		return nil, fmt.Errorf("cannot encode non-finite quantity %s", q.value.String())
	}
	return []byte(q.String()), nil
}

// UnmarshalJSON accepts a JSON number, a numeric string, or null (zero).
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = Quantity{}
		return nil
	}

	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	}

	parsed, err := NewQuantity(text)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
