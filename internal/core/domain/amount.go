package domain

import (
	"errors"
	"strconv"
)

// MaxSafeInteger is the largest integer a double can hold exactly. Amounts
// above it are serialized as decimal strings.
const MaxSafeInteger = 1<<53 - 1

var (
	ErrAmountOverflow  = errors.New("amount overflow")
	ErrAmountUnderflow = errors.New("amount underflow")
)

// Amount is a value in the chain's base unit.
type Amount uint64

// Add returns a+b or ErrAmountOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum := a + b
	if sum < a {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrAmountUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrAmountUnderflow
	}
	return a - b, nil
}

func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a > MaxSafeInteger {
		return strconv.AppendQuote(nil, a.String()), nil
	}
	return strconv.AppendUint(nil, uint64(a), 10), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*a = Amount(v)
	return nil
}
