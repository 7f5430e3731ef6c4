package logger

import "regexp"

var phoneRegex = regexp.MustCompile(`\+?[0-9]{8,15}`)

// RedactPhone masks a phone number for safe logging.
// "+5511987654321" → "+5511****4321"
// Numbers too short to keep a prefix and suffix are fully masked.
func RedactPhone(number string) string {
	digits := number
	prefix := ""
	if len(digits) > 0 && digits[0] == '+' {
		prefix = "+"
		digits = digits[1:]
	}
	if len(digits) < 8 {
		return prefix + "****"
	}
	return prefix + digits[:4] + "****" + digits[len(digits)-4:]
}
