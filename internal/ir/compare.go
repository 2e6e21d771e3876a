package ir

import "strings"

// rank orders value kinds: null < bool < int < string < array < object.
func rank(v Value) int {
	switch v.(type) {
	case nil, Null:
		return 0
	case Bool:
		return 1
	case Int:
		return 2
	case String:
		return 3
	case Array:
		return 4
	case Object:
		return 5
	default:
		return 6
	}
}

// Compare returns -1, 0 or +1 ordering a before, equal to, or after b.
//
// The order is total and deterministic. View ordering, conditions and
// min/max aggregates all rely on it. Values of different kinds compare by
// rank alone. Strings compare by UTF-8 bytes, which is also code point
// order. Arrays compare element by element, with a proper prefix first.
// Objects walk their keys in canonical order (UTF-16 code units, the same
// order MarshalCanonical writes) and compare key then value at each
// position; an object whose pairs are a prefix of the other's sorts first.
func Compare(a, b Value) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch av := a.(type) {
	case Bool:
		bv := b.(Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case Int:
		bv := b.(Int)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Array:
		bv := b.(Array)
		n := min(len(av), len(bv))
		for i := 0; i < n; i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return compareLen(len(av), len(bv))
	case Object:
		bv := b.(Object)
		ak, bk := av.SortedKeys(), bv.SortedKeys()
		n := min(len(ak), len(bk))
		for i := 0; i < n; i++ {
			if c := compareKeysUTF16(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := Compare(av[ak[i]], bv[bk[i]]); c != 0 {
				return c
			}
		}
		return compareLen(len(ak), len(bk))
	}
	return 0
}

// Equal reports whether a and b are the same value.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

func compareLen(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
