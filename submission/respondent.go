package submission

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RespondentKey identifies the person answering, independently of how the
// name was typed: accents, case and spacing are ignored. Email and phone
// narrow the key when present.
func RespondentKey(name, email, phone string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		folded = name
	}

	parts := []string{"n:" + strings.Join(strings.Fields(strings.ToLower(folded)), " ")}
	if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
		parts = append(parts, "e:"+email)
	}
	if digits := digitsOf(phone); digits != "" {
		parts = append(parts, "p:"+digits)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
