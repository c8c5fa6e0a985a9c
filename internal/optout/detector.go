package optout

import "strings"

// Detector identifies opt-out/opt-in keywords in inbound messages. Matching
// happens on the normalized text: lowercase, accents stripped, whitespace
// collapsed, and the whole message must equal a keyword.
type Detector struct {
	optOut map[string]struct{}
	optIn  map[string]struct{}
}

// NewDetector returns a keyword detector with the pt-BR defaults.
func NewDetector() *Detector {
	return &Detector{
		optOut: keywordSet("parar", "stop", "sair", "cancelar", "nao", "pare", "remover"),
		optIn:  keywordSet("voltar", "reativar", "sim quero receber"),
	}
}

// IsOptOut returns true when the message is an opt-out keyword.
func (d *Detector) IsOptOut(body string) bool {
	if d == nil {
		return false
	}
	_, ok := d.optOut[Normalize(body)]
	return ok
}

// IsOptIn returns true when the message is a resume keyword.
func (d *Detector) IsOptIn(body string) bool {
	if d == nil {
		return false
	}
	_, ok := d.optIn[Normalize(body)]
	return ok
}

// Normalize lowercases, strips accents and collapses whitespace.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if mapped, ok := accentMap[r]; ok {
			r = mapped
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), " ")
}

// accentMap covers the accented letters that occur in pt-BR keyboard input.
var accentMap = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n',
}

func keywordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[Normalize(w)] = struct{}{}
	}
	return set
}
