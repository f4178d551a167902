package accounts

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// CodeRules describes the accepted shape of account codes.
type CodeRules struct {
	Separator     string
	MinSegments   int
	MaxSegments   int
	MaxSegmentLen int
}

// DefaultCodeRules accepts codes such as "1100" or "1100-01-A".
func DefaultCodeRules() CodeRules {
	return CodeRules{Separator: "-", MinSegments: 1, MaxSegments: 6, MaxSegmentLen: 10}
}

// Normalise trims and upper-cases raw and checks it against the rules.
func (r CodeRules) Normalise(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", fmt.Errorf("%w: empty code", accounting.ErrInvalidCode)
	}
	segments := []string{code}
	if r.Separator != "" {
		segments = strings.Split(code, r.Separator)
	}
	if len(segments) < r.MinSegments || (r.MaxSegments > 0 && len(segments) > r.MaxSegments) {
		return "", fmt.Errorf("%w: %q has %d segments", accounting.ErrInvalidCode, code, len(segments))
	}
	for _, segment := range segments {
		if segment == "" || (r.MaxSegmentLen > 0 && len(segment) > r.MaxSegmentLen) {
			return "", fmt.Errorf("%w: %q has a segment of length %d", accounting.ErrInvalidCode, code, len(segment))
		}
		for _, ch := range segment {
			if ch > unicode.MaxASCII || !(unicode.IsLetter(ch) || unicode.IsDigit(ch)) {
				return "", fmt.Errorf("%w: %q contains %q", accounting.ErrInvalidCode, code, ch)
			}
		}
	}
	return code, nil
}
