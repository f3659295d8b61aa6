package mathx

import "testing"

func TestFloorDivAndMod(t *testing.T) {
	cases := []struct {
		a, b     int
		div, mod int
	}{
		{5, 32, 0, 5},
		{-1, 32, -1, 31},
		{-5, 32, -1, 27},
		{-32, 32, -1, 0},
		{-33, 32, -2, 31},
		{64, 32, 2, 0},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.div {
			t.Fatalf("FloorDiv(%d,%d)=%d want %d", c.a, c.b, got, c.div)
		}
		if got := Mod(c.a, c.b); got != c.mod {
			t.Fatalf("Mod(%d,%d)=%d want %d", c.a, c.b, got, c.mod)
		}
	}
}

func TestValueNoise2Range(t *testing.T) {
	for x := -40; x < 40; x += 3 {
		for z := -40; z < 40; z += 7 {
			v := ValueNoise2(99, x, z, 16)
			if v < 0 || v >= 1 {
				t.Fatalf("noise(%d,%d)=%f out of range", x, z, v)
			}
			if v != ValueNoise2(99, x, z, 16) {
				t.Fatalf("noise not deterministic at (%d,%d)", x, z)
			}
		}
	}
}
