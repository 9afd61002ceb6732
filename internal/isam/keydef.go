package isam

import (
	"fmt"
	"strings"
)

const (
	ascendingMarker  = '+'
	descendingMarker = '-'
	segmentTerm      = "\x00"
)

// KeySegment is one column of an index key.
type KeySegment struct {
	Column     string
	Descending bool
}

// FormatKeyDefinition renders segments in the key definition wire format:
// each segment is a direction marker followed by the column name and a NUL,
// and the definition ends with one more NUL.
//
//	+Name\x00\x00
//	+Symbol\x00-Price\x00\x00
func FormatKeyDefinition(segments []KeySegment) string {
	var sb strings.Builder
	for _, seg := range segments {
		if seg.Descending {
			sb.WriteByte(descendingMarker)
		} else {
			sb.WriteByte(ascendingMarker)
		}
		sb.WriteString(seg.Column)
		sb.WriteString(segmentTerm)
	}
	sb.WriteString(segmentTerm)
	return sb.String()
}

// ParseKeyDefinition is the inverse of FormatKeyDefinition.
func ParseKeyDefinition(def string) ([]KeySegment, error) {
	if !strings.HasSuffix(def, segmentTerm+segmentTerm) {
		return nil, fmt.Errorf("%w: missing double-NUL terminator", ErrInvalidKeyDefinition)
	}
	body := strings.TrimSuffix(def, segmentTerm+segmentTerm)
	if body == "" {
		return nil, fmt.Errorf("%w: no segments", ErrInvalidKeyDefinition)
	}

	parts := strings.Split(body, segmentTerm)
	segments := make([]KeySegment, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for i, part := range parts {
		if len(part) < 2 {
			return nil, fmt.Errorf("%w: segment %d is empty", ErrInvalidKeyDefinition, i)
		}
		var seg KeySegment
		switch part[0] {
		case ascendingMarker:
		case descendingMarker:
			seg.Descending = true
		default:
			return nil, fmt.Errorf("%w: segment %d has no direction marker", ErrInvalidKeyDefinition, i)
		}
		seg.Column = part[1:]
		if _, dup := seen[seg.Column]; dup {
			return nil, fmt.Errorf("%w: column %q appears twice", ErrInvalidKeyDefinition, seg.Column)
		}
		seen[seg.Column] = struct{}{}
		segments = append(segments, seg)
	}
	return segments, nil
}
