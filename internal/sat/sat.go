// Package sat provides saturating arithmetic for the unsigned counters and
// balances used throughout the settlement engine. No operation here can
// overflow, underflow or panic.
package sat

// Unsigned is the set of fixed-width unsigned integer types the engine uses
// for amounts, scores and counters.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Add returns a+b, clamped to the maximum value of T.
func Add[T Unsigned](a, b T) T {
	s := a + b
	if s < a {
		return ^T(0)
	}
	return s
}

// Sub returns a-b, clamped to zero.
func Sub[T Unsigned](a, b T) T {
	if b > a {
		return 0
	}
	return a - b
}

// Mul returns a*b, clamped to the maximum value of T.
func Mul[T Unsigned](a, b T) T {
	if a == 0 || b == 0 {
		return 0
	}
	p := a * b
	if p/b != a {
		return ^T(0)
	}
	return p
}

// Inc is Add(a, 1).
func Inc[T Unsigned](a T) T {
	return Add(a, 1)
}

// Clamp bounds v to [lo, hi].
func Clamp[T Unsigned](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AddSigned applies a signed delta to an unsigned value and clamps the result
// to [lo, hi].
func AddSigned[T Unsigned](v T, delta int64, lo, hi T) T {
	var out T
	if delta >= 0 {
		out = Add(v, T(min(uint64(delta), uint64(^T(0)))))
	} else {
		out = Sub(v, T(min(uint64(-delta), uint64(^T(0)))))
	}
	return Clamp(out, lo, hi)
}
