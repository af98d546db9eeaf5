package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	Key interface {
		~int | ~int32 | ~int64
	}

	// Bits is a growable bitset keyed by dense identifiers.
	// Zero value is an empty set ready to use.
	Bits[K Key] struct {
		b  []uint64
		b0 [2]uint64
	}
)

var zeros = [8]uint64{}

func MakeBits[K Key](size int) Bits[K] {
	var s Bits[K]

	s.b = s.b0[:0]
	s.grow((size + 63) / 64)

	return s
}

func NewBits[K Key](size int) *Bits[K] {
	s := MakeBits[K](size)
	return &s
}

func (s *Bits[K]) Copy() Bits[K] {
	c := MakeBits[K](len(s.b) * 64)

	copy(c.b, s.b)

	return c
}

// Set adds k. Negative keys are ignored.
func (s *Bits[K]) Set(k K) {
	if k < 0 {
		return
	}

	i, j := ij(k)

	s.grow(i + 1)

	s.b[i] |= 1 << j
}

func (s *Bits[K]) SetAll(k ...K) {
	for _, k := range k {
		s.Set(k)
	}
}

func (s *Bits[K]) Clear(k K) {
	if k < 0 {
		return
	}

	i, j := ij(k)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s *Bits[K]) IsSet(k K) bool {
	if s == nil || k < 0 {
		return false
	}

	i, j := ij(k)

	if i >= len(s.b) {
		return false
	}

	return s.b[i]&(1<<j) != 0
}

func (s *Bits[K]) Merge(x Bits[K]) {
	s.grow(len(x.b))

	for i, x := range x.b {
		s.b[i] |= x
	}
}

func (s *Bits[K]) Intersect(x Bits[K]) {
	for i := range s.b {
		if i < len(x.b) {
			s.b[i] &= x.b[i]
		} else {
			s.b[i] = 0
		}
	}
}

func (s *Bits[K]) Substract(x Bits[K]) {
	n := min(len(s.b), len(x.b))

	for i, x := range x.b[:n] {
		s.b[i] &^= x
	}
}

func (s *Bits[K]) Equal(x Bits[K]) bool {
	n := max(len(s.b), len(x.b))

	for i := 0; i < n; i++ {
		var l, r uint64

		if i < len(s.b) {
			l = s.b[i]
		}

		if i < len(x.b) {
			r = x.b[i]
		}

		if l != r {
			return false
		}
	}

	return true
}

func (s *Bits[K]) Size() (r int) {
	if s == nil {
		return 0
	}

	for _, c := range s.b {
		r += bits.OnesCount64(c)
	}

	return r
}

// Range calls f for every set key in increasing order until f returns false.
func (s *Bits[K]) Range(f func(k K) bool) {
	for i, x := range s.b {
		for x != 0 {
			j := bits.TrailingZeros64(x)
			x &^= 1 << j

			if !f(K(i*64 + j)) {
				return
			}
		}
	}
}

func (s *Bits[K]) Slice() (r []K) {
	s.Range(func(k K) bool {
		r = append(r, k)
		return true
	})

	return r
}

func (s *Bits[K]) Reset() {
	for i := 0; i < len(s.b); {
		i += copy(s.b[i:], zeros[:])
	}
}

func (s Bits[K]) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s.b == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(k K) bool {
		b = e.AppendInt(b, int(k))

		return true
	})

	b = e.AppendBreak(b)

	return b
}

func ij[K Key](k K) (i int, j int) {
	return int(k) / 64, int(k) % 64
}

func (s *Bits[K]) grow(n int) {
	if s.b == nil {
		s.b = s.b0[:0]
	}

	for n > len(s.b) {
		s.b = append(s.b, 0)
	}
}
