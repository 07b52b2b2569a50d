package device

import (
	"regexp"
	"strings"
)

// Identifiers up to maskThreshold characters are fully hidden, so the kept prefix and
// suffix never reveal more than half of an identifier.
const (
	maskKeep      = 4
	maskThreshold = 4*maskKeep - 1
	maskFill      = "***"
)

// Mask hides all but the first and last four characters of a card identifier.
// Identifiers at or below the threshold are fully hidden.
func Mask(id string) string {
	if len(id) <= maskThreshold {
		return maskFill
	}
	return id[:maskKeep] + maskFill + id[len(id)-maskKeep:]
}

var (
	fiscalCodeExact  = regexp.MustCompile(`^[A-Z]{6}[0-9]{2}[A-EHLMPRST][0-9]{2}[A-Z][0-9]{3}[A-Z]$`)
	fiscalCodeSearch = regexp.MustCompile(`[A-Z]{6}[0-9]{2}[A-EHLMPRST][0-9]{2}[A-Z][0-9]{3}[A-Z]`)
	abaRun           = regexp.MustCompile(`[0-9]{32,}`)
)

// oddValues maps characters at odd (1-based) positions of a fiscal code to their check
// weight.
var oddValues = map[byte]int{
	'0': 1, '1': 0, '2': 5, '3': 7, '4': 9, '5': 13, '6': 15, '7': 17, '8': 19, '9': 21,
	'A': 1, 'B': 0, 'C': 5, 'D': 7, 'E': 9, 'F': 13, 'G': 15, 'H': 17, 'I': 19, 'J': 21,
	'K': 2, 'L': 4, 'M': 18, 'N': 20, 'O': 11, 'P': 3, 'Q': 6, 'R': 8, 'S': 12, 'T': 14,
	'U': 16, 'V': 10, 'W': 22, 'X': 25, 'Y': 24, 'Z': 23,
}

func evenValue(c byte) int {
	if c >= '0' && c <= '9' {
		return int(c - '0')
	}
	return int(c - 'A')
}

// FiscalCodeCheck computes the check character of the first 15 characters of cf.
func FiscalCodeCheck(cf string) byte {
	sum := 0
	for i := 0; i < 15 && i < len(cf); i++ {
		if i%2 == 0 {
			sum += oddValues[cf[i]]
		} else {
			sum += evenValue(cf[i])
		}
	}
	return byte('A' + sum%26)
}

// ValidFiscalCode checks the structure of an Italian fiscal code. strict also verifies the
// check character.
func ValidFiscalCode(cf string, strict bool) bool {
	if !fiscalCodeExact.MatchString(cf) {
		return false
	}
	seen := map[rune]struct{}{}
	for _, r := range cf {
		seen[r] = struct{}{}
	}
	if len(seen) < 4 {
		return false
	}
	if strict && FiscalCodeCheck(cf) != cf[15] {
		return false
	}
	return true
}

// DecodeABA decodes a numeric track-2 fiscal code where each character is two digits:
// 00-09 for digits and 11-36 for A-Z.
func DecodeABA(digits string) (string, bool) {
	if len(digits) < 32 {
		return "", false
	}
	var b strings.Builder
	for i := 0; i < 32; i += 2 {
		pair := digits[i : i+2]
		if pair[0] < '0' || pair[0] > '9' || pair[1] < '0' || pair[1] > '9' {
			return "", false
		}
		n := int(pair[0]-'0')*10 + int(pair[1]-'0')
		switch {
		case n <= 9:
			b.WriteByte(byte('0' + n))
		case n >= 11 && n <= 36:
			b.WriteByte(byte('A' + n - 11))
		default:
			return "", false
		}
	}
	return b.String(), true
}

// ExtractIdentifier finds a fiscal code in raw track or chip data.
func ExtractIdentifier(data string, strict bool) (string, bool) {
	clean := strings.ToUpper(strings.TrimSpace(data))
	if clean == "" {
		return "", false
	}
	// Track 2 carries the code as digit pairs between sentinels.
	for _, run := range abaRun.FindAllString(clean, -1) {
		if cf, ok := DecodeABA(run); ok && ValidFiscalCode(cf, strict) {
			return cf, true
		}
	}
	for _, cf := range fiscalCodeSearch.FindAllString(clean, -1) {
		if ValidFiscalCode(cf, strict) {
			return cf, true
		}
	}
	return "", false
}
