package hal

// RGB565 packs an 8-bit-per-channel color into 16 bits.
func RGB565(r, g, b uint8) uint16 {
	rr := uint16(r>>3) & 0x1F
	gg := uint16(g>>2) & 0x3F
	bb := uint16(b>>3) & 0x1F
	return (rr << 11) | (gg << 5) | bb
}

func rgb888From565(p uint16) (r, g, b uint8) {
	rr := (p >> 11) & 0x1F
	gg := (p >> 5) & 0x3F
	bb := p & 0x1F

	r = uint8((rr * 255) / 31)
	g = uint8((gg * 255) / 63)
	b = uint8((bb * 255) / 31)
	return r, g, b
}

// SetPixel565 writes one RGB565 pixel into fb. Out-of-range coordinates are
// ignored.
func SetPixel565(fb Framebuffer, x, y int, c uint16) {
	if x < 0 || y < 0 || x >= fb.Width() || y >= fb.Height() {
		return
	}
	i := y*fb.StrideBytes() + x*2
	buf := fb.Buffer()
	if i+1 >= len(buf) {
		return
	}
	buf[i] = byte(c)
	buf[i+1] = byte(c >> 8)
}
