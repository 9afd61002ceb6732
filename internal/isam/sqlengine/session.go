package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/isamap/isamap/internal/isam"
)

type session struct {
	e    *Engine
	conn *sql.Conn
	ctx  context.Context

	depth int
	// writes counts saves and deletes so cursors know when a cached row
	// may be stale.
	writes  uint64
	cursors []*cursor
	closed  bool
}

var _ isam.Session = (*session)(nil)

func (s *session) check() error {
	if s.closed || s.e.closed.Load() {
		return isam.ErrClosed
	}
	return nil
}

func (s *session) exec(query string, args ...any) (sql.Result, error) {
	res, err := s.conn.ExecContext(s.ctx, query, args...)
	return res, mapError(err)
}

func savepointName(depth int) string {
	return fmt.Sprintf("isam_%d", depth)
}

func (s *session) Begin() error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.exec("SAVEPOINT " + savepointName(s.depth+1)); err != nil {
		return fmt.Errorf("sqlengine: begin: %w", err)
	}
	s.depth++
	return nil
}

func (s *session) Commit() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.depth == 0 {
		return isam.ErrNotInTransaction
	}
	if _, err := s.exec("RELEASE " + savepointName(s.depth)); err != nil {
		return fmt.Errorf("sqlengine: commit: %w", err)
	}
	s.depth--
	return nil
}

func (s *session) Rollback() error {
	if s.closed {
		return isam.ErrClosed
	}
	if s.depth == 0 {
		return isam.ErrNotInTransaction
	}
	name := savepointName(s.depth)
	if _, err := s.exec("ROLLBACK TO " + name); err != nil {
		return fmt.Errorf("sqlengine: rollback: %w", err)
	}
	if _, err := s.exec("RELEASE " + name); err != nil {
		return fmt.Errorf("sqlengine: rollback: %w", err)
	}
	s.depth--
	s.writes++
	for _, c := range s.cursors {
		c.invalidate()
	}
	return nil
}

func (s *session) InTransaction() bool {
	return s.depth > 0
}

// atomically runs fn inside a private savepoint so multi-statement
// operations apply entirely or not at all.
func (s *session) atomically(fn func() error) error {
	if _, err := s.exec("SAVEPOINT isam_op"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := s.exec("ROLLBACK TO isam_op"); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		_, _ = s.exec("RELEASE isam_op")
		return err
	}
	_, err := s.exec("RELEASE isam_op")
	return err
}

func (s *session) TableNames() ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(s.ctx, "SELECT name FROM isam_tables ORDER BY name")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, mapError(rows.Err())
}

func (s *session) tableExists(name string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(s.ctx, "SELECT COUNT(*) FROM isam_tables WHERE name = ?", name).Scan(&n)
	return n > 0, mapError(err)
}

func (s *session) CreateTable(name string, density int) (isam.Cursor, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	density, err := isam.NormalizeDensity(density)
	if err != nil {
		return nil, err
	}

	err = s.atomically(func() error {
		exists, err := s.tableExists(name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%s: %w", name, isam.ErrTableExists)
		}
		ddl := fmt.Sprintf("CREATE TABLE %s (%s INTEGER PRIMARY KEY AUTOINCREMENT)", quote(name), bookmarkColumn)
		if _, err := s.exec(ddl); err != nil {
			return err
		}
		_, err = s.exec("INSERT INTO isam_tables (name, density) VALUES (?, ?)", name, density)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.openCursor(name)
}

func (s *session) OpenTable(name string) (isam.Cursor, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.openCursor(name)
}

func (s *session) openCursor(name string) (*cursor, error) {
	c := &cursor{s: s, table: name}
	if err := c.load(); err != nil {
		return nil, err
	}
	c.useIndex(c.primary())
	s.cursors = append(s.cursors, c)
	return c, nil
}

func (s *session) forget(c *cursor) {
	for i, cur := range s.cursors {
		if cur == c {
			s.cursors = append(s.cursors[:i], s.cursors[i+1:]...)
			return
		}
	}
}

// Close rolls back any open transaction and returns the connection to the
// pool.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	var rbErr error
	if s.depth > 0 {
		_, rbErr = s.conn.ExecContext(context.Background(), "ROLLBACK")
		s.depth = 0
	}
	for _, c := range s.cursors {
		c.closed = true
	}
	s.cursors = nil
	s.closed = true
	return errors.Join(mapError(rbErr), s.conn.Close())
}
