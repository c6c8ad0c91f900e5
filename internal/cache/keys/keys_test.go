package keys

import (
	"strings"
	"testing"

	"github.com/cartogrid/tileserv/internal/tile"
)

func addr(layer string) tile.Address {
	return tile.Address{Layer: layer, Zoom: 10, Row: 100, Column: 200, Format: tile.PNG}
}

func TestKeyDeterministic(t *testing.T) {
	a := addr("base")
	if Key(a) != Key(a) {
		t.Fatal("same address must produce same key")
	}
}

func TestKeyDistinguishesTupleFields(t *testing.T) {
	base := addr("base")
	variants := []tile.Address{
		{Layer: "other", Zoom: 10, Row: 100, Column: 200, Format: tile.PNG},
		{Layer: "base", Zoom: 11, Row: 100, Column: 200, Format: tile.PNG},
		{Layer: "base", Zoom: 10, Row: 101, Column: 200, Format: tile.PNG},
		{Layer: "base", Zoom: 10, Row: 100, Column: 201, Format: tile.PNG},
		{Layer: "base", Zoom: 10, Row: 100, Column: 200, Format: tile.JPEG},
	}
	for _, v := range variants {
		if Key(base) == Key(v) {
			t.Fatalf("key collision between %v and %v", base, v)
		}
	}
}

func TestKeySanitizesLayerButKeepsIdentity(t *testing.T) {
	weirdA := addr("road map/v2")
	weirdB := addr("road map v2")

	for _, k := range []string{Key(weirdA), Key(weirdB)} {
		if strings.ContainsAny(k, " /\t\n") {
			t.Fatalf("key %q contains unsafe characters", k)
		}
	}
	// the two names may sanitize to similar text but the hash keeps them apart
	if Key(weirdA) == Key(weirdB) {
		t.Fatal("distinct layer names must not collide")
	}
}

func TestLockKeyNamespaceDisjoint(t *testing.T) {
	a := addr("base")
	m := tile.MetatileOf(a, 4, 4)
	lk := LockKey(m)
	if !strings.HasPrefix(lk, "lock:") {
		t.Fatalf("lock key %q missing namespace", lk)
	}
	if lk == Key(a) {
		t.Fatal("lock key must not collide with tile key")
	}
}
