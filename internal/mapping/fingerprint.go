package mapping

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// fingerprint hashes the canonical text of a table's physical schema.
func fingerprint(table string, columns []ColumnSpec, indexes []IndexDescriptor) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "table %s\n", table)
	for _, c := range columns {
		fmt.Fprintf(&sb, "column %s %s %d %d\n", c.Name, c.Def.Type, c.Def.Flags, c.Def.MaxLength)
	}
	for _, ix := range indexes {
		fmt.Fprintf(&sb, "index %s %q %d %d\n", ix.PhysicalName(), ix.KeyDefinition(), ix.Flags(), ix.Density)
	}
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(sb.String())))
}
