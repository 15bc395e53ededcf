// Package cpf validates Brazilian CPF numbers (the 11 digit national ID).
package cpf

import "strings"

// Clean strips everything that is not a digit.
func Clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Valid reports whether id is exactly 11 digits with both check digits correct.
// Repeated-digit sequences like 111.111.111-11 pass the checksum but are rejected.
func Valid(id string) bool {
	if len(id) != 11 {
		return false
	}

	digits := make([]int, 11)
	for i, r := range id {
		if r < '0' || r > '9' {
			return false
		}
		digits[i] = int(r - '0')
	}

	repeated := true
	for _, d := range digits[1:] {
		if d != digits[0] {
			repeated = false
			break
		}
	}
	if repeated {
		return false
	}

	return checkDigit(digits[:9]) == digits[9] && checkDigit(digits[:10]) == digits[10]
}

// CheckDigits computes the two verification digits for the 9 leading digits.
func CheckDigits(lead []int) (int, int) {
	first := checkDigit(lead[:9])
	second := checkDigit(append(append([]int{}, lead[:9]...), first))
	return first, second
}

// checkDigit weights the digits from len+1 down to 2.
func checkDigit(digits []int) int {
	sum := 0
	weight := len(digits) + 1
	for _, d := range digits {
		sum += d * weight
		weight--
	}
	rem := sum % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}

// Format applies the 000.000.000-00 display mask to whatever digits are present.
func Format(s string) string {
	d := Clean(s)
	if len(d) > 11 {
		d = d[:11]
	}

	var b strings.Builder
	for i, r := range d {
		switch i {
		case 3, 6:
			b.WriteByte('.')
		case 9:
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
