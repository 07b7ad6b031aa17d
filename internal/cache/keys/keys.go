// Package keys formats and parses "z/x/y" tile cache keys.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

var ErrMalformedKey = errors.New("malformed tile key")

func Key(c model.TileCoordinate) string {
	return strconv.Itoa(c.Z) + "/" + strconv.Itoa(c.X) + "/" + strconv.Itoa(c.Y)
}

// Parse is the inverse of Key. x and y must lie inside the 2^z grid.
func Parse(key string) (model.TileCoordinate, error) {
	parts := strings.Split(strings.TrimSpace(key), "/")
	if len(parts) != 3 {
		return model.TileCoordinate{}, fmt.Errorf("%w %q: want z/x/y", ErrMalformedKey, key)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return model.TileCoordinate{}, fmt.Errorf("%w %q: part %d", ErrMalformedKey, key, i)
		}
		v[i] = n
	}
	z, x, y := v[0], v[1], v[2]
	if z > 30 {
		return model.TileCoordinate{}, fmt.Errorf("%w %q: zoom %d", ErrMalformedKey, key, z)
	}
	if n := 1 << z; x >= n || y >= n {
		return model.TileCoordinate{}, fmt.Errorf("%w %q: index outside %dx%d grid", ErrMalformedKey, key, n, n)
	}
	return model.TileCoordinate{Z: z, X: x, Y: y}, nil
}

// Namespaced prefixes a key with a sanitized map style for shared stores.
func Namespaced(prefix, style, key string) string {
	return prefix + ":" + sanitizeStyle(strings.TrimSpace(style)) + ":" + key
}

func sanitizeStyle(s string) string {
	if s == "" {
		return "default"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including ':' and non-ASCII) becomes '-'
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
