package fade

// Easing maps linear progress in [0,1] to eased progress in [0,1].
type Easing func(t float64) float64

// Linear is the identity easing.
func Linear(t float64) float64 {
	return t
}

// EaseOutQuad starts fast and settles gently. Used for fade-ins so the
// sound is audible right away.
func EaseOutQuad(t float64) float64 {
	return 1 - (1-t)*(1-t)
}

// EaseInCubic starts slow and drops off at the end. Used for fade-outs so
// the tail does not cut abruptly.
func EaseInCubic(t float64) float64 {
	return t * t * t
}

// For returns the easing used between two volumes.
func For(from, to float64) Easing {
	if to >= from {
		return EaseOutQuad
	}
	return EaseInCubic
}

// Interpolate returns the eased value between from and to at progress t.
func Interpolate(from, to, t float64, ease Easing) float64 {
	switch {
	case t <= 0:
		return from
	case t >= 1:
		return to
	}
	return from + (to-from)*ease(t)
}
