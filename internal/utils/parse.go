// Package utils holds small helpers shared by the transport layer.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s (surrounding spaces allowed) as a base-10 int and
// returns def when s is empty or malformed.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
