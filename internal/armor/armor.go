// Package armor implements the OCR-resistant block identifier codec.
//
// A block id is rendered into page crops as an 11-character code in the
// form XXXX-XXXX-XXX: an 8-character base-26 payload followed by a
// 3-character checksum. The alphabet excludes visually ambiguous glyphs so
// that recognition errors stay repairable.
package armor

import (
	"fmt"
	"strconv"
	"strings"
)

// Alphabet is the 26-character OCR-safe alphabet, index = digit value.
const Alphabet = "34679ACDEFGHJKLMNPQRTUVWXY"

const (
	payloadLen  = 8
	checksumLen = 3
	codeLen     = payloadLen + checksumLen

	// payloadSpace is 26^payloadLen. An 8-digit base-26 payload holds just
	// under 38 bits, so the 40-bit hex prefix is reduced modulo this value.
	payloadSpace = 208827064576
)

var charValue = func() map[byte]int {
	m := make(map[byte]int, len(Alphabet))
	for i := 0; i < len(Alphabet); i++ {
		m[Alphabet[i]] = i
	}
	return m
}()

// confusion maps a character to the glyphs OCR engines commonly read it as.
// Only targets inside the alphabet are usable for repair.
var confusion = map[byte][]byte{
	'0': {'O', 'D', 'Q', 'C'},
	'1': {'L', 'T', 'J'},
	'2': {'Z', '7'},
	'5': {'S', '6'},
	'8': {'B', '3', '6', '9'},
	'Z': {'2', '7'},
	'B': {'8', '3', '6', 'E', 'R'},
	'S': {'5', '6'},
	'O': {'0', 'D', 'Q'},
	'I': {'1', 'L', 'T'},
	'3': {'8', '9', 'E'},
	'4': {'A', 'H'},
	'6': {'G', '8', '5'},
	'7': {'T', '2', 'Y'},
	'9': {'P', '8', '6'},
	'A': {'4', 'H', 'R'},
	'D': {'0', 'O', 'Q'},
	'E': {'F', '3', 'B'},
	'F': {'E', 'P'},
	'G': {'6', 'C', 'Q'},
	'H': {'A', '4', 'M', 'N'},
	'K': {'X', 'R'},
	'M': {'N', 'H', 'W'},
	'N': {'M', 'H'},
	'P': {'R', 'F', '9'},
	'Q': {'0', 'O', 'D'},
	'R': {'P', 'K', 'A'},
	'T': {'7', 'Y', '1'},
	'U': {'V', 'W'},
	'V': {'U', 'Y'},
	'W': {'M', 'V'},
	'X': {'K', 'Y'},
	'Y': {'V', 'T', '7'},
}

// Normalize strips separators and uppercases a candidate code.
func Normalize(code string) string {
	code = strings.ToUpper(code)
	var b strings.Builder
	b.Grow(len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '-' || c == ' ' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Format renders an 11-character normalized code as XXXX-XXXX-XXX.
func Format(clean string) string {
	return clean[:4] + "-" + clean[4:8] + "-" + clean[8:]
}

// Encode converts a UUID string into an armor code using its first 10 hex
// characters (40 bits), reduced modulo the payload space. Inputs that
// already look like armor codes are reformatted and returned unchanged.
func Encode(id string) (string, error) {
	clean := Normalize(id)
	if isAlphabetic(clean) && len(clean) == codeLen {
		return Format(clean), nil
	}
	hexPrefix := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(hexPrefix) < 10 {
		return "", fmt.Errorf("armor: id %q too short to encode", id)
	}
	num, err := strconv.ParseUint(hexPrefix[:10], 16, 64)
	if err != nil {
		return "", fmt.Errorf("armor: id %q is not hex: %w", id, err)
	}
	payload := numToBase26(num%payloadSpace, payloadLen)
	return Format(payload + checksum(payload)), nil
}

// Decode verifies the checksum and returns the payload as a 10-character hex
// string, or ok=false for an invalid code. The value is the source UUID's
// 40-bit prefix reduced modulo the payload space, so matching against raw
// UUIDs must re-encode rather than compare prefixes.
func Decode(code string) (string, bool) {
	clean := Normalize(code)
	if !isValid(clean) {
		return "", false
	}
	var num uint64
	for i := 0; i < payloadLen; i++ {
		num = num*26 + uint64(charValue[clean[i]])
	}
	return fmt.Sprintf("%010x", num), true
}

// IsCode reports whether s normalizes to a checksum-valid armor code.
func IsCode(s string) bool {
	return isValid(Normalize(s))
}

// Repair attempts to recover a mangled code. It handles one inserted or
// dropped character and up to three substitutions guided by the confusion
// table. Returns the repaired code in canonical XXXX-XXXX-XXX form.
func Repair(input string) (string, bool) {
	clean := Normalize(input)

	if isValid(clean) {
		return Format(clean), true
	}

	// One character short: try every insertion point.
	if len(clean) == codeLen-1 {
		for pos := 0; pos <= len(clean); pos++ {
			for i := 0; i < len(Alphabet); i++ {
				candidate := clean[:pos] + string(Alphabet[i]) + clean[pos:]
				if isValid(candidate) {
					return Format(candidate), true
				}
			}
		}
	}

	// One character extra: try every deletion.
	if len(clean) == codeLen+1 {
		for i := 0; i < len(clean); i++ {
			candidate := clean[:i] + clean[i+1:]
			if isValid(candidate) {
				return Format(candidate), true
			}
		}
	}

	if len(clean) != codeLen {
		return "", false
	}

	// Per-position substitution candidates from the confusion table. A
	// character outside the alphabet with no known doubles can become
	// anything.
	options := make([][]byte, codeLen)
	for i := 0; i < codeLen; i++ {
		c := clean[i]
		var opts []byte
		if _, ok := charValue[c]; ok {
			opts = append(opts, c)
		}
		for _, alt := range confusion[c] {
			if _, ok := charValue[alt]; ok {
				opts = append(opts, alt)
			}
		}
		if len(opts) == 0 {
			opts = []byte(Alphabet)
		}
		options[i] = dedupe(opts)
	}

	buf := []byte(clean)
	for errs := 1; errs <= 3; errs++ {
		if fixed, ok := trySubstitutions(buf, options, 0, errs); ok {
			return Format(fixed), true
		}
	}
	return "", false
}

// trySubstitutions changes exactly remaining positions starting at from.
func trySubstitutions(buf []byte, options [][]byte, from, remaining int) (string, bool) {
	if remaining == 0 {
		s := string(buf)
		if isValid(s) {
			return s, true
		}
		return "", false
	}
	for pos := from; pos <= len(buf)-remaining; pos++ {
		orig := buf[pos]
		for _, alt := range options[pos] {
			if alt == orig {
				continue
			}
			buf[pos] = alt
			if fixed, ok := trySubstitutions(buf, options, pos+1, remaining-1); ok {
				buf[pos] = orig
				return fixed, ok
			}
		}
		buf[pos] = orig
	}
	return "", false
}

func dedupe(in []byte) []byte {
	seen := make(map[byte]bool, len(in))
	out := in[:0]
	for _, c := range in {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func isAlphabetic(s string) bool {
	for i := 0; i < len(s); i++ {
		if _, ok := charValue[s[i]]; !ok {
			return false
		}
	}
	return len(s) > 0
}

func isValid(code string) bool {
	if len(code) != codeLen || !isAlphabetic(code) {
		return false
	}
	return code[payloadLen:] == checksum(code[:payloadLen])
}

func checksum(payload string) string {
	var v1, v2, v3 int
	for i := 0; i < len(payload); i++ {
		val := charValue[payload[i]]
		v1 += val
		v2 += val * (i + 3)
		v3 += val * (i + 7) * (i + 1)
	}
	return string([]byte{Alphabet[v1%26], Alphabet[v2%26], Alphabet[v3%26]})
}

func numToBase26(num uint64, length int) string {
	buf := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		buf[i] = Alphabet[num%26]
		num /= 26
	}
	return string(buf)
}
