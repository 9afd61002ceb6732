package sqlengine

import (
	"strings"

	"github.com/isamap/isamap/internal/isam"
)

// condition builds WHERE clauses over index segments. Every comparison is
// expressed in index order, so descending segments flip the operator and
// NULL sorts first ascending and last descending, matching ORDER BY.
type condition struct {
	sb   strings.Builder
	args []any
}

func (c *condition) add(sql string, args ...any) {
	c.sb.WriteString(sql)
	c.args = append(c.args, args...)
}

func arg(v []byte) any {
	if v == nil {
		return nil
	}
	return v
}

// after writes "entry segment sorts after v".
func (c *condition) after(seg isam.KeySegment, v []byte) {
	col := quote(seg.Column)
	switch {
	case !seg.Descending && v != nil:
		c.add(col+" > ?", v)
	case !seg.Descending:
		c.add(col + " IS NOT NULL")
	case v != nil:
		c.add("("+col+" < ? OR "+col+" IS NULL)", v)
	default:
		c.add("0")
	}
}

func (c *condition) equal(seg isam.KeySegment, v []byte) {
	c.add(quote(seg.Column)+" IS ?", arg(v))
}

// lexical writes "entry key sorts after key" over len(key) segments. When
// orEqual is set an entry matching every segment also qualifies; otherwise
// tail, if non-nil, decides ties.
func (c *condition) lexical(segments []isam.KeySegment, key [][]byte, orEqual bool, tail func()) {
	if len(key) == 0 {
		switch {
		case tail != nil:
			tail()
		case orEqual:
			c.add("1")
		default:
			c.add("0")
		}
		return
	}
	c.add("(")
	c.after(segments[0], key[0])
	c.add(" OR (")
	c.equal(segments[0], key[0])
	c.add(" AND ")
	c.lexical(segments[1:], key[1:], orEqual, tail)
	c.add("))")
}

func (c *condition) prefixEqual(segments []isam.KeySegment, key [][]byte) {
	if len(key) == 0 {
		c.add("1")
		return
	}
	for i, v := range key {
		if i > 0 {
			c.add(" AND ")
		}
		c.equal(segments[i], v)
	}
}

func orderBy(segments []isam.KeySegment) string {
	var sb strings.Builder
	sb.WriteString(" ORDER BY ")
	for _, seg := range segments {
		sb.WriteString(quote(seg.Column))
		if seg.Descending {
			sb.WriteString(" DESC, ")
		} else {
			sb.WriteString(" ASC, ")
		}
	}
	sb.WriteString(bookmarkColumn)
	sb.WriteString(" ASC")
	return sb.String()
}
