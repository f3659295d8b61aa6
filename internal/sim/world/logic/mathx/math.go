package mathx

// FloorDiv divides rounding toward negative infinity. b must be > 0.
func FloorDiv(a, b int) int {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

// Mod returns a mod b normalized to [0,b). b must be > 0.
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash2 is a stable hash of a 2D integer coordinate under seed.
func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// Unit maps a hash to [0,1).
func Unit(h uint64) float64 {
	return float64(h>>11) / float64(uint64(1)<<53)
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// ValueNoise2 samples smoothed lattice noise in [0,1) at world position (x,z)
// with the given lattice cell size. Sampling uses world coordinates only, so
// neighbouring chunks agree on their shared edges.
func ValueNoise2(seed int64, x, z, cell int) float64 {
	if cell <= 0 {
		cell = 1
	}
	gx := FloorDiv(x, cell)
	gz := FloorDiv(z, cell)
	tx := smooth(float64(Mod(x, cell)) / float64(cell))
	tz := smooth(float64(Mod(z, cell)) / float64(cell))

	v00 := Unit(Hash2(seed, gx, gz))
	v10 := Unit(Hash2(seed, gx+1, gz))
	v01 := Unit(Hash2(seed, gx, gz+1))
	v11 := Unit(Hash2(seed, gx+1, gz+1))
	return lerp(lerp(v00, v10, tx), lerp(v01, v11, tx), tz)
}
