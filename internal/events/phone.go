package events

import (
	"errors"
	"strings"
)

// NormalizePhone brings a raw phone input to E.164 form: separators are
// stripped, a 00 international prefix becomes +, and the digit count must
// be 10..15.
func NormalizePhone(input string) (string, error) {
	phone := strings.TrimSpace(input)
	if phone == "" {
		return "", errors.New("phone is required")
	}

	phone = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, phone)

	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}

	digits := phone
	plus := false
	if strings.HasPrefix(phone, "+") {
		plus = true
		digits = phone[1:]
	}

	if !isDigits(digits) {
		return "", errors.New("phone must contain only digits (and an optional leading '+')")
	}
	if len(digits) < 10 || len(digits) > 15 {
		return "", errors.New("phone length must be 10..15 digits for E.164")
	}

	if plus {
		return "+" + digits, nil
	}
	return digits, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
