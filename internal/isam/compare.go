package isam

import "bytes"

// CompareValues orders two physical values bytewise with NULL first.
func CompareValues(a, b []byte) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return bytes.Compare(a, b)
}

// CompareKeys compares two full keys segment by segment. Descending segments
// invert the value order, which moves NULL to the end of that segment.
func CompareKeys(segments []KeySegment, a, b [][]byte) int {
	for i, seg := range segments {
		if c := compareSegment(seg, a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// ComparePrefix compares a partial key against an entry key on the first
// len(key) segments only. A result of 0 means the entry matches the prefix.
func ComparePrefix(segments []KeySegment, key, entry [][]byte) int {
	for i := range key {
		if c := compareSegment(segments[i], key[i], entry[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(seg KeySegment, a, b []byte) int {
	c := CompareValues(a, b)
	if seg.Descending {
		return -c
	}
	return c
}
