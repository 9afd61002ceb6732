package memengine

import (
	"fmt"
	"sort"

	"github.com/isamap/isamap/internal/isam"
)

type session struct {
	e  *Engine
	id int64

	// undo holds inverse operations; savepoints index into it.
	undo       []func()
	savepoints []int
	cursors    []*cursor
	closed     bool
}

var _ isam.Session = (*session)(nil)

func (s *session) check() error {
	if s.closed || s.e.closed {
		return isam.ErrClosed
	}
	return nil
}

func (s *session) Begin() error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.savepoints = append(s.savepoints, len(s.undo))
	return nil
}

func (s *session) Commit() error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if len(s.savepoints) == 0 {
		return isam.ErrNotInTransaction
	}
	s.savepoints = s.savepoints[:len(s.savepoints)-1]
	if len(s.savepoints) == 0 {
		s.undo = nil
		s.release()
	}
	return nil
}

func (s *session) Rollback() error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.closed {
		return isam.ErrClosed
	}
	if len(s.savepoints) == 0 {
		return isam.ErrNotInTransaction
	}
	s.rollbackTop()
	return nil
}

// rollbackTop undoes the innermost transaction. Callers hold e.mu.
func (s *session) rollbackTop() {
	mark := s.savepoints[len(s.savepoints)-1]
	for i := len(s.undo) - 1; i >= mark; i-- {
		s.undo[i]()
	}
	s.undo = s.undo[:mark]
	s.savepoints = s.savepoints[:len(s.savepoints)-1]
	if len(s.savepoints) == 0 {
		s.release()
	}
	for _, c := range s.cursors {
		c.cancelUpdate()
	}
}

func (s *session) release() {
	if s.e.writer == s {
		s.e.writer = nil
	}
}

func (s *session) InTransaction() bool {
	return len(s.savepoints) > 0
}

// logUndo records fn when a transaction is open; autocommitted work has
// nothing to undo. Callers hold e.mu.
func (s *session) logUndo(fn func()) {
	if s.InTransaction() {
		s.undo = append(s.undo, fn)
	}
}

func (s *session) TableNames() ([]string, error) {
	s.e.mu.RLock()
	defer s.e.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.e.tables))
	for name := range s.e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *session) CreateTable(name string, density int) (isam.Cursor, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	density, err := isam.NormalizeDensity(density)
	if err != nil {
		return nil, err
	}

	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := s.e.acquireWrite(s); err != nil {
		return nil, err
	}
	if _, ok := s.e.tables[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, isam.ErrTableExists)
	}
	t := newTable(name, density)
	s.e.tables[name] = t
	s.logUndo(func() { delete(s.e.tables, name) })
	return s.openCursor(t), nil
}

func (s *session) OpenTable(name string) (isam.Cursor, error) {
	s.e.mu.RLock()
	defer s.e.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	t, ok := s.e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, isam.ErrTableNotFound)
	}
	return s.openCursor(t), nil
}

func (s *session) openCursor(t *table) *cursor {
	c := &cursor{s: s, t: t}
	c.useIndex(t.primary())
	s.cursors = append(s.cursors, c)
	return c
}

func (s *session) forget(c *cursor) {
	for i, cur := range s.cursors {
		if cur == c {
			s.cursors = append(s.cursors[:i], s.cursors[i+1:]...)
			return
		}
	}
}

// Close rolls back any open transaction and closes the session's cursors.
func (s *session) Close() error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.closed {
		return nil
	}
	for len(s.savepoints) > 0 {
		s.rollbackTop()
	}
	for _, c := range s.cursors {
		c.closed = true
	}
	s.cursors = nil
	s.closed = true
	return nil
}
