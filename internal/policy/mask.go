package policy

import (
	"regexp"
	"strings"
)

var digitsRe = regexp.MustCompile(`\D`)

// MaskOrderNumber hides all but the last four digits: 12345678 -> ****5678.
func MaskOrderNumber(orderNumber string) string {
	if len(orderNumber) <= 4 {
		return "****"
	}
	return "****" + orderNumber[len(orderNumber)-4:]
}

// MaskPhoneNumber keeps the prefix and last four digits:
// 0541234567 -> 054***4567.
func MaskPhoneNumber(phone string) string {
	cleaned := digitsRe.ReplaceAllString(phone, "")
	if len(cleaned) < 7 {
		return "***"
	}
	return cleaned[:3] + "***" + cleaned[len(cleaned)-4:]
}

// MaskText masks every occurrence of the given phone and order numbers
// in text, for public-channel rendering.
func MaskText(text string, phones, orders []string) string {
	for _, p := range phones {
		text = strings.ReplaceAll(text, p, MaskPhoneNumber(p))
	}
	for _, o := range orders {
		text = strings.ReplaceAll(text, o, MaskOrderNumber(o))
	}
	return text
}
