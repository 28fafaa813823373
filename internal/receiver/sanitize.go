package receiver

import "regexp"

var (
	rdnPrefix           = regexp.MustCompile(`,*cn=`)
	unsafeChars         = regexp.MustCompile(`[^a-zA-Z0-9:_]`)
	multipleUnderscores = regexp.MustCompile(`__+`)
)

// SafeName turns s into a valid metric or label name. The `cn=` RDN
// prefixes of a DN collapse to underscores, so "cn=Total,cn=Connections"
// becomes "_Total_Connections".
func SafeName(s string) string {
	s = rdnPrefix.ReplaceAllLiteralString(s, "_")
	s = unsafeChars.ReplaceAllLiteralString(s, "_")
	return multipleUnderscores.ReplaceAllLiteralString(s, "_")
}
