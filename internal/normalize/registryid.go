package normalize

import (
	"strings"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
)

var (
	inn10Weights  = []int{2, 4, 10, 3, 5, 9, 4, 6, 8}
	inn12Weights1 = []int{7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
	inn12Weights2 = []int{3, 7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
)

var idSeparators = strings.NewReplacer(" ", "", "-", "", "\u00a0", "", ".", "", "\t", "")

// RegistryID canonicalizes a registry identifier (INN). It returns "" with a
// nil error when raw is empty, and "" with a ValidationError when raw is
// present but malformed. Nine-digit values lost their leading zero upstream
// and are padded back.
func RegistryID(raw string) (string, error) {
	s := strings.ToUpper(idSeparators.Replace(strings.TrimSpace(raw)))
	s = strings.TrimPrefix(s, "ИНН")
	s = strings.TrimPrefix(s, ":")
	if s == "" {
		return "", nil
	}
	if !allDigits(s) {
		return "", invalidID(raw, "non-digit characters")
	}
	if len(s) == 9 {
		s = "0" + s
	}

	switch len(s) {
	case 10:
		if digitAt(s, 9) != checksum(s, inn10Weights) {
			return "", invalidID(raw, "checksum mismatch")
		}
	case 12:
		if digitAt(s, 10) != checksum(s, inn12Weights1) || digitAt(s, 11) != checksum(s, inn12Weights2) {
			return "", invalidID(raw, "checksum mismatch")
		}
	default:
		return "", invalidID(raw, "length must be 10 or 12 digits")
	}
	return s, nil
}

// ValidRegistryID reports whether s is already a canonical registry id.
func ValidRegistryID(s string) bool {
	id, err := RegistryID(s)
	return err == nil && id != "" && id == s
}

// RegistrationNumber canonicalizes a state registration number (OGRN, 13
// digits, or OGRNIP, 15 digits).
func RegistrationNumber(raw string) (string, error) {
	s := idSeparators.Replace(strings.TrimSpace(raw))
	if s == "" {
		return "", nil
	}
	bad := func(reason string) error {
		return &resilience.ValidationError{Field: model.FieldRegistrationNumber, Value: raw, Reason: reason}
	}
	if !allDigits(s) {
		return "", bad("non-digit characters")
	}

	var mod int64
	switch len(s) {
	case 13:
		mod = 11
	case 15:
		mod = 13
	default:
		return "", bad("length must be 13 or 15 digits")
	}

	var body int64
	for i := 0; i < len(s)-1; i++ {
		body = body*10 + int64(s[i]-'0')
	}
	if int(body%mod%10) != digitAt(s, len(s)-1) {
		return "", bad("checksum mismatch")
	}
	return s, nil
}

func checksum(s string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += digitAt(s, i) * w
	}
	return sum % 11 % 10
}

func digitAt(s string, i int) int {
	return int(s[i] - '0')
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalidID(raw, reason string) error {
	return &resilience.ValidationError{Field: "registry_id", Value: raw, Reason: reason}
}
