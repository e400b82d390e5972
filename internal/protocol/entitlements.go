package protocol

import "slices"

// EntitlementSet is a set of integer entitlement tags in canonical form:
// sorted ascending, no duplicates. The zero value is the empty set. All
// methods assume canonical operands, which the constructors and the decoder
// guarantee.
type EntitlementSet []int32

// NewEntitlementSet builds a canonical set from arbitrary values.
func NewEntitlementSet(values ...int32) EntitlementSet {
	if len(values) == 0 {
		return nil
	}
	s := slices.Clone(values)
	slices.Sort(s)
	s = slices.Compact(s)
	return EntitlementSet(s)
}

// Contains reports whether v is in the set.
func (s EntitlementSet) Contains(v int32) bool {
	_, ok := slices.BinarySearch(s, v)
	return ok
}

// IsSubsetOf reports whether every element of s is in other. The empty set
// is a subset of everything.
func (s EntitlementSet) IsSubsetOf(other EntitlementSet) bool {
	i := 0
	for _, v := range s {
		for i < len(other) && other[i] < v {
			i++
		}
		if i == len(other) || other[i] != v {
			return false
		}
		i++
	}
	return true
}

// Intersect returns the elements present in both sets, nil when disjoint.
func (s EntitlementSet) Intersect(other EntitlementSet) EntitlementSet {
	var out EntitlementSet
	i := 0
	for _, v := range s {
		for i < len(other) && other[i] < v {
			i++
		}
		if i < len(other) && other[i] == v {
			out = append(out, v)
			i++
		}
	}
	return out
}

// Union returns the elements present in either set.
func (s EntitlementSet) Union(other EntitlementSet) EntitlementSet {
	if len(s) == 0 {
		return other
	}
	if len(other) == 0 {
		return s
	}
	out := make(EntitlementSet, 0, len(s)+len(other))
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] < other[j]:
			out = append(out, s[i])
			i++
		case s[i] > other[j]:
			out = append(out, other[j])
			j++
		default:
			out = append(out, s[i])
			i, j = i+1, j+1
		}
	}
	out = append(out, s[i:]...)
	out = append(out, other[j:]...)
	return out
}
