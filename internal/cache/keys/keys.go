// Package keys normalizes tile addresses into provider cache keys.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/cartogrid/tileserv/internal/tile"
)

// Key builds the provider key for a tile address. Layer names come from
// configuration but may still carry characters some backends reject, so
// the readable part is sanitized; an xxhash of the raw name keeps two
// layers that sanitize identically from colliding.
func Key(a tile.Address) string {
	layerNorm := sanitizeLayer(strings.TrimSpace(a.Layer))
	sum := xxhash.Sum64String(a.Layer)
	return fmt.Sprintf("%s:%016x:%d:%d:%d:%s", layerNorm, sum, a.Zoom, a.Row, a.Column, a.Format)
}

// LockKey builds the provider key under which a metatile render lock is
// held. Kept in a separate namespace from tile payloads.
func LockKey(m tile.Metatile) string {
	layerNorm := sanitizeLayer(strings.TrimSpace(m.Layer))
	sum := xxhash.Sum64String(m.Layer)
	return fmt.Sprintf("lock:%s:%016x:%d:%d:%d:%dx%d",
		layerNorm, sum, m.Zoom, m.Row, m.Column, m.Width, m.Height)
}

func sanitizeLayer(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
