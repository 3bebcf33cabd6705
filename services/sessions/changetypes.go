package sessions

import "strings"

var changeTypes = []string{
	"bugfix",
	"feature",
	"refactor",
	"docs",
	"optimization",
	"design",
	"content",
	"other",
}

// ChangeTypes lists the accepted comment classifications.
func ChangeTypes() []string {
	out := make([]string, len(changeTypes))
	copy(out, changeTypes)
	return out
}

func normalizeChangeType(ct string) (string, error) {
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, known := range changeTypes {
		if ct == known {
			return ct, nil
		}
	}
	return "", ErrInvalidChangeType
}
