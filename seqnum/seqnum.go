// Package seqnum defines the types and arithmetic for TCP sequence numbers
// and window sizes. All comparisons wrap modulo 2^32 as required by RFC 793
// §3.3; callers must never compare Values with the plain < or > operators.
package seqnum

// Value represents the value of a sequence number
type Value uint32

// Size represents the size of a sequence number window, i.e. the (positive)
// difference between two Values
type Size uint32

// sizeWindow is 1<<31, the threshold used to decide which of two sequence
// numbers is "ahead" under wraparound. A known bug in the reference
// implementation computed this as 2^31 via XOR (2^31, yielding 29) instead
// of a left shift; this is the corrected constant.
const sizeWindow = 1 << 31

// LessThan checks if v is before w, that is, if it comes before w in
// sequence number space, modulo 2^32
func (v Value) LessThan(w Value) bool {
	return uint32(w-v) < sizeWindow && v != w
}

// LessThanEq checks if v is before or equal to w
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange checks if v is in the open interval (a, b)
func (v Value) InRange(a, b Value) bool {
	return a.LessThan(v) && v.LessThan(b)
}

// InWindow checks if v is in the half-open interval [first, first+size)
func (v Value) InWindow(first Value, size Size) bool {
	return first.Size(v) < size
}

// Add adds the given number of positions to v and returns the result
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size returns the number of positions from v to w, that is, w-v, treating
// the result as unsigned arithmetic modulo 2^32. It is only meaningful when
// w is known to be "ahead of" v
func (v Value) Size(w Value) Size {
	return Size(w - v)
}
