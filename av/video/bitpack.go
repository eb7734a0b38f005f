package video

// bitWriter packs right-justified samples MSB first into buf. Callers size
// buf up front; an overrun panics with an index error rather than writing
// past the slice.
type bitWriter struct {
	buf   []byte
	pos   int
	acc   uint64
	nbits uint
}

func (w *bitWriter) write(v uint32, n uint) {
	if n == 8 && w.nbits == 0 {
		w.buf[w.pos] = byte(v)
		w.pos++
		return
	}
	w.acc = w.acc<<n | uint64(v)
	w.nbits += n
	for w.nbits >= 8 {
		w.nbits -= 8
		w.buf[w.pos] = byte(w.acc >> w.nbits)
		w.pos++
	}
	w.acc &= 1<<w.nbits - 1
}

// flush pads the last partial byte with zero bits.
func (w *bitWriter) flush() {
	if w.nbits > 0 {
		w.buf[w.pos] = byte(w.acc << (8 - w.nbits))
		w.pos++
		w.acc = 0
		w.nbits = 0
	}
}

// bitReader is the inverse of bitWriter.
type bitReader struct {
	buf   []byte
	pos   int
	acc   uint64
	nbits uint
}

func (r *bitReader) read(n uint) uint32 {
	if n == 8 && r.nbits == 0 {
		v := r.buf[r.pos]
		r.pos++
		return uint32(v)
	}
	for r.nbits < n {
		r.acc = r.acc<<8 | uint64(r.buf[r.pos])
		r.pos++
		r.nbits += 8
	}
	r.nbits -= n
	v := uint32(r.acc>>r.nbits) & (1<<n - 1)
	r.acc &= 1<<r.nbits - 1
	return v
}

// expand widens an 8-bit colour sample to depth bits.
func expand(v uint8, depth uint) uint32 {
	return uint32(v) << (depth - 8)
}

// expandAlpha widens an 8-bit alpha sample to depth bits, replicating bit 0
// into the new low bits so 255 maps to full scale.
func expandAlpha(v uint8, depth uint) uint32 {
	shift := depth - 8
	x := uint32(v) << shift
	if v&1 != 0 {
		x |= 1<<shift - 1
	}
	return x
}

// narrow drops the precision above 8 bits.
func narrow(v uint32, depth uint) uint8 {
	return uint8(v >> (depth - 8))
}
