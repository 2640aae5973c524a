// Package shared provides common utilities used across the codebase.
package shared

import "strings"

// IsSQLiteConflictError reports whether err is a SQLITE_BUSY or
// "database is locked" error. Both are transient concurrency errors that
// warrant a short retry. The sqlite driver surfaces them as plain strings,
// so matching on the message is the only option.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
