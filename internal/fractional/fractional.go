// Package fractional generates order keys that sort lexicographically and
// always leave room for another key between any two.
//
// A key is an integer part followed by an optional fraction. The integer part
// starts with a head character that encodes its length ('a'..'z' for
// non-negative, 'A'..'Z' for negative integers) followed by base62 digits.
package fractional

import (
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// smallestInteger is the lowest representable integer part. It is reserved so
// that a key below it can always be produced from a fraction.
var smallestInteger = "A" + strings.Repeat("0", 26)

// Between returns a key strictly between a and b. An empty a means "before
// b", an empty b means "after a"; both empty returns the first key.
func Between(a, b string) (string, error) {
	if a != "" {
		if err := Validate(a); err != nil {
			return "", err
		}
	}
	if b != "" {
		if err := Validate(b); err != nil {
			return "", err
		}
	}
	if a != "" && b != "" && a >= b {
		return "", fmt.Errorf("fractional: %q is not below %q", a, b)
	}

	if a == "" {
		if b == "" {
			return "a0", nil
		}
		ib, err := integerPart(b)
		if err != nil {
			return "", err
		}
		fb := b[len(ib):]
		if ib == smallestInteger {
			m, err := midpoint("", fb)
			if err != nil {
				return "", err
			}
			return ib + m, nil
		}
		if ib < b {
			return ib, nil
		}
		res, ok := decrementInteger(ib)
		if !ok {
			return "", fmt.Errorf("fractional: cannot decrement %q", b)
		}
		return res, nil
	}

	ia, err := integerPart(a)
	if err != nil {
		return "", err
	}
	fa := a[len(ia):]

	if b == "" {
		i, ok := incrementInteger(ia)
		if ok {
			return i, nil
		}
		m, err := midpoint(fa, "")
		if err != nil {
			return "", err
		}
		return ia + m, nil
	}

	ib, err := integerPart(b)
	if err != nil {
		return "", err
	}
	fb := b[len(ib):]
	if ia == ib {
		m, err := midpoint(fa, fb)
		if err != nil {
			return "", err
		}
		return ia + m, nil
	}
	i, ok := incrementInteger(ia)
	if !ok {
		return "", fmt.Errorf("fractional: cannot increment %q", a)
	}
	if i < b {
		return i, nil
	}
	m, err := midpoint(fa, "")
	if err != nil {
		return "", err
	}
	return ia + m, nil
}

// First returns a key below min, or the first key when min is empty.
func First(min string) (string, error) {
	return Between("", min)
}

// Last returns a key above max, or the first key when max is empty.
func Last(max string) (string, error) {
	return Between(max, "")
}

// NBetween returns n keys in ascending order strictly between a and b.
func NBetween(a, b string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if n == 1 {
		k, err := Between(a, b)
		if err != nil {
			return nil, err
		}
		return []string{k}, nil
	}
	if b == "" {
		out := make([]string, 0, n)
		prev := a
		for i := 0; i < n; i++ {
			k, err := Between(prev, "")
			if err != nil {
				return nil, err
			}
			out = append(out, k)
			prev = k
		}
		return out, nil
	}
	if a == "" {
		out := make([]string, n)
		next := b
		for i := n - 1; i >= 0; i-- {
			k, err := Between("", next)
			if err != nil {
				return nil, err
			}
			out[i] = k
			next = k
		}
		return out, nil
	}
	mid := n / 2
	c, err := Between(a, b)
	if err != nil {
		return nil, err
	}
	left, err := NBetween(a, c, mid)
	if err != nil {
		return nil, err
	}
	right, err := NBetween(c, b, n-mid-1)
	if err != nil {
		return nil, err
	}
	out := append(left, c)
	return append(out, right...), nil
}

// Validate reports whether key is a well-formed order key.
func Validate(key string) error {
	if key == smallestInteger {
		return fmt.Errorf("fractional: invalid key %q", key)
	}
	i, err := integerPart(key)
	if err != nil {
		return err
	}
	for _, c := range key[1:] {
		if strings.IndexRune(digits, c) < 0 {
			return fmt.Errorf("fractional: invalid digit %q in %q", c, key)
		}
	}
	if f := key[len(i):]; strings.HasSuffix(f, "0") {
		return fmt.Errorf("fractional: trailing zero in %q", key)
	}
	return nil
}

func integerLength(head byte) (int, error) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, nil
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, nil
	}
	return 0, fmt.Errorf("fractional: invalid head %q", head)
}

func integerPart(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("fractional: empty key")
	}
	n, err := integerLength(key[0])
	if err != nil {
		return "", err
	}
	if n > len(key) {
		return "", fmt.Errorf("fractional: key %q too short", key)
	}
	return key[:n], nil
}

// midpoint returns a fraction strictly between fractions a and b, where an
// empty b stands for 1.
func midpoint(a, b string) (string, error) {
	if b != "" && a >= b {
		return "", fmt.Errorf("fractional: %q is not below %q", a, b)
	}
	if strings.HasSuffix(a, "0") || strings.HasSuffix(b, "0") {
		return "", fmt.Errorf("fractional: trailing zero")
	}
	if b != "" {
		n := 0
		for n < len(b) {
			ca := byte('0')
			if n < len(a) {
				ca = a[n]
			}
			if ca != b[n] {
				break
			}
			n++
		}
		if n > 0 {
			var rest string
			if n < len(a) {
				rest = a[n:]
			}
			m, err := midpoint(rest, b[n:])
			if err != nil {
				return "", err
			}
			return b[:n] + m, nil
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(digits, a[0])
	}
	digitB := len(digits)
	if b != "" {
		digitB = strings.IndexByte(digits, b[0])
	}
	if digitB-digitA > 1 {
		return string(digits[(digitA+digitB+1)/2]), nil
	}
	if len(b) > 1 {
		return b[:1], nil
	}
	var rest string
	if a != "" {
		rest = a[1:]
	}
	m, err := midpoint(rest, "")
	if err != nil {
		return "", err
	}
	return string(digits[digitA]) + m, nil
}

func incrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	carry := true
	for i := len(digs) - 1; carry && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) + 1
		if d == len(digits) {
			digs[i] = '0'
		} else {
			digs[i] = digits[d]
			carry = false
		}
	}
	if carry {
		if head == 'Z' {
			return "a0", true
		}
		if head == 'z' {
			return "", false
		}
		h := head + 1
		if h > 'a' {
			digs = append(digs, '0')
		} else {
			digs = digs[:len(digs)-1]
		}
		return string(h) + string(digs), true
	}
	return string(head) + string(digs), true
}

func decrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	borrow := true
	for i := len(digs) - 1; borrow && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) - 1
		if d == -1 {
			digs[i] = digits[len(digits)-1]
		} else {
			digs[i] = digits[d]
			borrow = false
		}
	}
	if borrow {
		if head == 'a' {
			return "Z" + string(digits[len(digits)-1]), true
		}
		if head == 'A' {
			return "", false
		}
		h := head - 1
		if h < 'Z' {
			digs = append(digs, digits[len(digits)-1])
		} else {
			digs = digs[:len(digs)-1]
		}
		return string(h) + string(digs), true
	}
	return string(head) + string(digs), true
}
