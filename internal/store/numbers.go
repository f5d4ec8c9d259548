package store

import (
	"fmt"
	"strings"
)

const (
	tokenNumberPad = 3
	DefaultPrefix  = "A"
)

// FormatTokenNumber renders prefix and sequence as e.g. "A042".
func FormatTokenNumber(prefix string, seq int64) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s%0*d", prefix, tokenNumberPad, seq)
}
