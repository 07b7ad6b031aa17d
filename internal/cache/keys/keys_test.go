package keys

import (
	"errors"
	"regexp"
	"testing"
	"unicode"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
)

func TestKeyParse_Inverse(t *testing.T) {
	for _, c := range []model.TileCoordinate{
		{Z: 0, X: 0, Y: 0},
		{Z: 10, X: 563, Y: 301},
		{Z: 16, X: 36057, Y: 19273},
	} {
		k := Key(c)
		if k != c.Key() {
			t.Fatalf("Key=%q model Key=%q", k, c.Key())
		}
		got, err := Parse(k)
		if err != nil {
			t.Fatalf("Parse(%q): %v", k, err)
		}
		if got != c {
			t.Fatalf("Parse(%q)=%+v want %+v", k, got, c)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, k := range []string{"", "1/2", "a/b/c", "1/2/3/4", "-1/0/0", "2/4/0", "2/0/4", "31/0/0"} {
		if _, err := Parse(k); !errors.Is(err, ErrMalformedKey) {
			t.Fatalf("Parse(%q) err=%v want ErrMalformedKey", k, err)
		}
	}
}

func TestNamespaced_SanitizesStyle(t *testing.T) {
	k := Namespaced("tile", " outdoors:v2 Göteborg ", "10/563/301")
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if !regexp.MustCompile(`^tile:[A-Za-z0-9_.\-]+:10/563/301$`).MatchString(k) {
		t.Fatalf("unexpected key shape: %s", k)
	}
	if got := Namespaced("tile", "", "1/0/0"); got != "tile:default:1/0/0" {
		t.Fatalf("empty style key=%q", got)
	}
}
