package alexa

import (
	"strings"
)

// HideEmail masks the local part of an address, keeping its first and last
// character: "someone@example.com" becomes "s*****e@example.com".
func HideEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return HideSerial(email)
	}
	switch len(local) {
	case 0:
		return "@" + domain
	case 1:
		return local + "@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + "@" + domain
}

// HideSerial masks all but the first and the last three characters of a serial.
func HideSerial(serial string) string {
	if len(serial) <= 4 {
		return strings.Repeat("*", len(serial))
	}
	return serial[:1] + strings.Repeat("*", len(serial)-4) + serial[len(serial)-3:]
}
