package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" -> "jo***@example.com"
// Short local parts (<=2 chars) are fully masked: "ab@example.com" -> "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone masks all but the last four digits of a phone number.
// "+1 718 555 0199" -> "***0199"
func RedactPhone(phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 4 {
		return "***"
	}
	return "***" + string(digits[len(digits)-4:])
}
