package model

import (
	"errors"
	"testing"
	"time"
)

func TestTileCoordinate_Key(t *testing.T) {
	c := TileCoordinate{Z: 14, X: 8802, Y: 5373}
	if got := c.Key(); got != "14/8802/5373" {
		t.Fatalf("Key=%q", got)
	}
}

func TestTouch_LastAccessNeverMovesBackwards(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tile := CachedTile{Key: "1/0/0", LastAccess: now}

	tile.Touch(now.Add(-time.Hour))
	if !tile.LastAccess.Equal(now) {
		t.Fatalf("last access moved backwards: %v", tile.LastAccess)
	}
	tile.Touch(now.Add(time.Minute))
	if !tile.LastAccess.Equal(now.Add(time.Minute)) {
		t.Fatalf("last access not advanced: %v", tile.LastAccess)
	}
	if tile.AccessCount != 2 {
		t.Fatalf("access count=%d want 2", tile.AccessCount)
	}
}

func TestRoute_Validate(t *testing.T) {
	cases := []struct {
		name string
		r    Route
		ok   bool
	}{
		{"empty", Route{}, false},
		{"single point", Route{Points: []LatLng{{Lat: 59.3, Lon: 18.0}}}, true},
		{"lat out of range", Route{Points: []LatLng{{Lat: 91, Lon: 0}}}, false},
		{"segment past end", Route{
			Points:   []LatLng{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
			Segments: []Segment{{From: 0, To: 2, Intersection: IntersectionFork}},
		}, false},
		{"segment ok", Route{
			Points:   []LatLng{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
			Segments: []Segment{{From: 0, To: 1, Intersection: IntersectionMerge}},
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidRoute) {
				t.Fatalf("err=%v want ErrInvalidRoute", err)
			}
		})
	}
}

func TestRoute_BoundingBox(t *testing.T) {
	if _, err := (Route{}).BoundingBox(); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute, got %v", err)
	}
	r := Route{Points: []LatLng{{Lat: 59.3, Lon: 18.1}, {Lat: 57.7, Lon: 11.9}, {Lat: 58.4, Lon: 15.6}}}
	b, err := r.BoundingBox()
	if err != nil {
		t.Fatalf("BoundingBox: %v", err)
	}
	want := Bounds{North: 59.3, South: 57.7, East: 18.1, West: 11.9}
	if b != want {
		t.Fatalf("bbox=%+v want %+v", b, want)
	}
}

func TestBounds_Intersects(t *testing.T) {
	a := Bounds{North: 2, South: 0, East: 2, West: 0}
	if !a.Intersects(Bounds{North: 3, South: 1, East: 3, West: 1}) {
		t.Fatalf("expected overlap")
	}
	if a.Intersects(Bounds{North: 3, South: 2.5, East: 3, West: 2.5}) {
		t.Fatalf("expected no overlap")
	}
}
