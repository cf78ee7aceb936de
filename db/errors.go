package db

import (
	"strings"

	"github.com/teranos/scenesync/errors"
)

// ErrDatabaseClosed is returned when the registry is saved after the
// database was closed, typically a periodic save racing shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The sql package reports this with its own unexported error, so its message
// is matched as a fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
