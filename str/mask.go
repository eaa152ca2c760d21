package str

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Mask replaces the trailing half of a string with asterisks.
func Mask(s string) string {
	l := len(s)
	if l == 0 {
		return s
	}
	if l == 1 {
		return "*"
	}
	h := l / 2
	return s[0:h] + strings.Repeat("*", l-h)
}

// MaskEmail masks the local part and domain of an email address, keeping
// the top-level domain readable.
func MaskEmail(val string) string {
	tok := strings.Split(val, "@")
	if len(tok) != 2 {
		return Mask(val)
	}
	dot := strings.Split(tok[1], ".")
	return Mask(tok[0]) + "@" + Mask(dot[0]) + "." + strings.Join(dot[1:], ".")
}

var isEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
var isJWT = regexp.MustCompile(`^[a-zA-Z0-9-_]+\.[a-zA-Z0-9-_]+\.[a-zA-Z0-9-_]+$`)

// MaskValue masks the argument when it looks like a credential (a JWT or
// an email address) and returns it unchanged otherwise.
func MaskValue(arg string) string {
	if isEmail.MatchString(arg) {
		return MaskEmail(arg)
	}
	if isJWT.MatchString(arg) {
		return Mask(arg)
	}
	return arg
}

// MaskedString is a string that formats masked but marshals unmasked,
// for carrying credentials through log-adjacent code.
type MaskedString string

// Text returns the unmasked value.
func (ms MaskedString) Text() string {
	return string(ms)
}

// String implements fmt.Stringer to return a masked representation.
func (ms MaskedString) String() string {
	if len(ms) == 0 {
		return ""
	}
	return Mask(string(ms))
}

// MarshalText implements encoding.TextMarshaler for masked text output.
func (ms MaskedString) MarshalText() ([]byte, error) {
	return []byte(ms.String()), nil
}

// MarshalJSON implements json.Marshaler for real (unmasked) JSON output.
func (ms MaskedString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(ms))
}

// GoString implements fmt.GoStringer so %#v also prints masked.
func (ms MaskedString) GoString() string {
	return ms.String()
}
