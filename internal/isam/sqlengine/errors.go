package sqlengine

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/isamap/isamap/internal/isam"
)

// mapError translates SQLite result codes into isam sentinels. The only
// constraints sqlengine declares are unique indexes, so every constraint
// failure is a duplicate key.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrConstraint:
		return fmt.Errorf("%w: %v", isam.ErrKeyDuplicate, err)
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", isam.ErrWriteConflict, err)
	default:
		return err
	}
}
