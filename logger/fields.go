package logger

import "go.uber.org/zap"

// Standard field names for consistent structured logging across scenesync.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldPeer    = "peer"
	FieldOrigin  = "origin"
	FieldSession = "session"
	FieldRemote  = "remote"

	// Scene
	FieldEntity  = "entity"
	FieldType    = "entity_type"
	FieldPath    = "path"
	FieldOp      = "op"
	FieldMissing = "missing"
	FieldMode    = "mode"

	// Protocol
	FieldSeq      = "seq"
	FieldExpected = "expected"
	FieldFrame    = "frame"
	FieldState    = "state"
	FieldRole     = "role"
	FieldVersion  = "version"

	// Counts and sizes
	FieldCount   = "count"
	FieldSize    = "size"
	FieldPending = "pending"

	// Errors
	FieldError = "error"

	// Network
	FieldAddress = "address"
	FieldURL     = "url"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Session struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewSession() *Session {
//	    return &Session{
//	        logger: logger.ComponentLogger("sync.session"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
