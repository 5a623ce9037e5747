package transport

import (
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// The wire is treated as 7-bit ASCII in both directions.  Anything
// outside that range, including invalid UTF-8 on the way out, becomes
// '?'.

func toASCII(r rune) rune {
	if r > 0x7f {
		return '?'
	}
	return r
}

// DecodeASCII converts received bytes to text.
func DecodeASCII(b []byte) string {
	t := transform.Chain(charmap.ISO8859_1.NewDecoder(), runes.Map(toASCII))
	out, _, err := transform.Bytes(t, b)
	if err != nil {
		// Latin-1 decoding is total; this is unreachable in practice.
		return string(b)
	}
	return string(out)
}

// EncodeASCII converts text to the bytes that go on the wire.
func EncodeASCII(s string) []byte {
	t := transform.Chain(runes.Map(toASCII), charmap.ISO8859_1.NewEncoder())
	out, _, err := transform.String(t, s)
	if err != nil {
		return []byte(s)
	}
	return []byte(out)
}
