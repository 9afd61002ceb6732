package memengine

import (
	"fmt"
	"io"
	"sort"

	"github.com/golang/snappy"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/isamap/isamap/internal/isam"
)

const snapshotFormat = 1

type snapshotDoc struct {
	Format int        `bson:"format"`
	Tables []tableDoc `bson:"tables"`
}

type tableDoc struct {
	Name         string      `bson:"name"`
	Density      int         `bson:"density"`
	NextColumnID int64       `bson:"next_column_id"`
	NextBookmark int64       `bson:"next_bookmark"`
	Columns      []columnDoc `bson:"columns"`
	Indexes      []indexDoc  `bson:"indexes"`
	Rows         []rowDoc    `bson:"rows"`
}

type columnDoc struct {
	ID        int64  `bson:"id"`
	Name      string `bson:"name"`
	Type      int32  `bson:"type"`
	Flags     int32  `bson:"flags"`
	MaxLength int32  `bson:"max_length"`
}

type indexDoc struct {
	Name    string `bson:"name"`
	KeyDef  string `bson:"key_def"`
	Flags   int32  `bson:"flags"`
	Density int32  `bson:"density"`
}

type rowDoc struct {
	Bookmark int64      `bson:"bookmark"`
	Values   []valueDoc `bson:"values"`
}

// valueDoc holds one non-NULL column value.
type valueDoc struct {
	Column int64  `bson:"column"`
	Data   []byte `bson:"data"`
}

// Snapshot writes the committed database as a snappy-compressed BSON
// document. It fails with isam.ErrWriteConflict while any session holds
// uncommitted writes.
func (e *Engine) Snapshot(w io.Writer) (int, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return 0, isam.ErrClosed
	}
	if e.writer != nil {
		e.mu.RUnlock()
		return 0, fmt.Errorf("snapshot: %w", isam.ErrWriteConflict)
	}
	doc := e.snapshotDoc()
	e.mu.RUnlock()

	raw, err := bson.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("snapshot: marshal: %w", err)
	}
	compressed := snappy.Encode(nil, raw)
	n, err := w.Write(compressed)
	if err != nil {
		return n, fmt.Errorf("snapshot: write: %w", err)
	}
	e.logger.Debugw("snapshot written", "tables", len(doc.Tables), "raw_bytes", len(raw), "compressed_bytes", n)
	return n, nil
}

func (e *Engine) snapshotDoc() snapshotDoc {
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := snapshotDoc{Format: snapshotFormat, Tables: make([]tableDoc, 0, len(names))}
	for _, name := range names {
		t := e.tables[name]
		td := tableDoc{
			Name:         t.name,
			Density:      t.density,
			NextColumnID: int64(t.nextColumnID),
			NextBookmark: int64(t.nextBookmark),
		}
		for _, col := range t.columns {
			td.Columns = append(td.Columns, columnDoc{
				ID:        int64(col.id),
				Name:      col.name,
				Type:      int32(col.def.Type),
				Flags:     int32(col.def.Flags),
				MaxLength: int32(col.def.MaxLength),
			})
		}
		for _, ix := range t.indexes {
			td.Indexes = append(td.Indexes, indexDoc{
				Name:    ix.info.Name,
				KeyDef:  ix.info.KeyDef,
				Flags:   int32(ix.info.Flags),
				Density: int32(ix.info.Density),
			})
		}
		for _, ent := range t.clustered.entries {
			r := t.rows[ent.bookmark]
			rd := rowDoc{Bookmark: int64(r.bookmark)}
			for _, col := range t.columns {
				if v, ok := r.values[col.id]; ok && v != nil {
					rd.Values = append(rd.Values, valueDoc{Column: int64(col.id), Data: v})
				}
			}
			td.Rows = append(td.Rows, rd)
		}
		doc.Tables = append(doc.Tables, td)
	}
	return doc
}

// Restore replaces the database with a snapshot written by Snapshot.
func (e *Engine) Restore(r io.Reader) error {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("restore: read: %w", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("restore: snappy decompress failed: %w", err)
	}
	var doc snapshotDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("restore: unmarshal: %w", err)
	}
	if doc.Format != snapshotFormat {
		return fmt.Errorf("restore: unsupported snapshot format %d", doc.Format)
	}

	tables := make(map[string]*table, len(doc.Tables))
	for _, td := range doc.Tables {
		t, err := restoreTable(td)
		if err != nil {
			return fmt.Errorf("restore: table %s: %w", td.Name, err)
		}
		tables[t.name] = t
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return isam.ErrClosed
	}
	if e.writer != nil {
		return fmt.Errorf("restore: %w", isam.ErrWriteConflict)
	}
	e.tables = tables
	e.logger.Debugw("snapshot restored", "tables", len(tables), "compressed_bytes", len(compressed))
	return nil
}

func restoreTable(td tableDoc) (*table, error) {
	t := newTable(td.Name, td.Density)
	for _, cd := range td.Columns {
		col := &column{
			id:   isam.ColumnID(cd.ID),
			name: cd.Name,
			def: isam.ColumnDef{
				Type:      isam.ColumnType(cd.Type),
				Flags:     isam.ColumnFlags(cd.Flags),
				MaxLength: int(cd.MaxLength),
			},
		}
		t.columns = append(t.columns, col)
		t.byName[col.name] = col
	}
	t.nextColumnID = isam.ColumnID(td.NextColumnID)
	t.nextBookmark = uint64(td.NextBookmark)

	for _, rd := range td.Rows {
		r := &row{bookmark: uint64(rd.Bookmark), values: make(map[isam.ColumnID][]byte, len(rd.Values))}
		for _, vd := range rd.Values {
			v := vd.Data
			if v == nil {
				v = []byte{}
			}
			r.values[isam.ColumnID(vd.Column)] = v
		}
		t.rows[r.bookmark] = r
		t.clustered.insert(r)
	}

	for _, id := range td.Indexes {
		segments, err := isam.ParseKeyDefinition(id.KeyDef)
		if err != nil {
			return nil, err
		}
		ix := &index{info: isam.IndexInfo{
			Name:     id.Name,
			KeyDef:   id.KeyDef,
			Segments: segments,
			Flags:    isam.IndexFlags(id.Flags),
			Density:  int(id.Density),
		}}
		for _, seg := range segments {
			col, ok := t.byName[seg.Column]
			if !ok {
				return nil, fmt.Errorf("index %s segment %s: %w", id.Name, seg.Column, isam.ErrColumnNotFound)
			}
			ix.cols = append(ix.cols, col.id)
		}
		if err := ix.rebuild(t.rows); err != nil {
			return nil, err
		}
		t.indexes = append(t.indexes, ix)
	}
	return t, nil
}
