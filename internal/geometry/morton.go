package geometry

// mortonResolution is the number of cells per axis (10 bits).
const mortonResolution = 1024

// expandBits spreads the low 10 bits of v so that there are two zero bits
// between each original bit.
func expandBits(v uint32) uint32 {
	v = (v * 0x00010001) & 0xFF0000FF
	v = (v * 0x00000101) & 0x0F00F00F
	v = (v * 0x00000011) & 0xC30C30C3
	v = (v * 0x00000005) & 0x49249249
	return v
}

// MortonCode returns the 30-bit z-order key of p after normalizing it into
// bounds. Points outside bounds are clamped onto its faces; a degenerate axis
// maps to cell 0.
func MortonCode(p Point, bounds Box) uint32 {
	var code uint32
	for d := 0; d < 3; d++ {
		var x float32
		if extent := bounds.Max[d] - bounds.Min[d]; extent > 0 {
			x = (p[d] - bounds.Min[d]) / extent
		}
		cell := x * mortonResolution
		switch {
		case cell != cell, cell < 0: // NaN or below
			cell = 0
		case cell > mortonResolution-1:
			cell = mortonResolution - 1
		}
		code |= expandBits(uint32(cell)) << uint(2-d)
	}
	return code
}
