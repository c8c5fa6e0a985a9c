// Package phone normalizes WhatsApp identifiers to the digits-only form
// used as the recipient key everywhere in the system.
package phone

import "strings"

// Normalize strips a WhatsApp JID suffix and every non-digit character.
// "+55 (11) 99999-0000" and "5511999990000@s.whatsapp.net" both normalize
// to "5511999990000". Returns "" when no digits remain.
func Normalize(raw string) string {
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
