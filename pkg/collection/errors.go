// Error taxonomy for the collection engine.
//
// Argument and configuration failures are raised to the caller before any
// state is touched. Parameterized errors are concrete types so callers can
// discriminate with errors.As; simple conditions are sentinels for errors.Is.
package collection

import (
	"errors"
	"fmt"
)

// Sentinels for argument-shaped failures.
var (
	ErrMissingUpdateArgument     = errors.New("update requires a callback")
	ErrNoKeysPassedToUpdate      = errors.New("update requires at least one key")
	ErrNoKeysPassedToDelete      = errors.New("delete requires at least one key")
	ErrNoPendingSyncTransaction  = errors.New("no pending sync transaction: write called outside begin/commit")
	ErrSyncTransactionCommitted  = errors.New("sync transaction already committed")
	ErrMissingMutationFunction   = errors.New("transaction requires a mutation function")
	ErrTransactionNotPendingMutate   = errors.New("transaction is no longer pending: cannot mutate")
	ErrTransactionNotPendingCommit   = errors.New("transaction is no longer pending: cannot commit")
	ErrTransactionNotPendingRollback = errors.New("transaction is already terminal: cannot rollback")
)

// CollectionConfigurationError reports invalid construction or query options.
type CollectionConfigurationError struct {
	Reason string
}

func (e *CollectionConfigurationError) Error() string {
	return fmt.Sprintf("invalid collection configuration: %s", e.Reason)
}

// InvalidSchemaError reports a schema that cannot be used as a validator.
type InvalidSchemaError struct {
	Reason string
}

func (e *InvalidSchemaError) Error() string {
	return fmt.Sprintf("invalid schema: %s", e.Reason)
}

// SchemaValidationError reports an item rejected by the configured schema.
type SchemaValidationError struct {
	CollectionID string
	Cause        error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("collection %s: schema validation failed: %v", e.CollectionID, e.Cause)
}

func (e *SchemaValidationError) Unwrap() error { return e.Cause }

// CollectionInErrorStateError gates operations on a collection whose sync
// failed. Cleanup() resets the collection out of the error state.
type CollectionInErrorStateError struct {
	CollectionID string
}

func (e *CollectionInErrorStateError) Error() string {
	return fmt.Sprintf("collection %s is in an error state", e.CollectionID)
}

// InvalidCollectionStatusTransitionError reports a lifecycle transition the
// status machine does not allow.
type InvalidCollectionStatusTransitionError struct {
	CollectionID string
	From, To     Status
}

func (e *InvalidCollectionStatusTransitionError) Error() string {
	return fmt.Sprintf("collection %s: invalid status transition %s -> %s", e.CollectionID, e.From, e.To)
}

// DuplicateKeyError reports an optimistic insert whose key is already
// visible.
type DuplicateKeyError struct {
	CollectionID string
	Key          any
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("collection %s: duplicate key %v", e.CollectionID, e.Key)
}

// DuplicateKeySyncError reports a synced insert on an existing key whose
// value differs from the stored one. Equal values are treated as updates.
type DuplicateKeySyncError struct {
	CollectionID string
	Key          any
}

func (e *DuplicateKeySyncError) Error() string {
	return fmt.Sprintf("collection %s: sync insert on existing key %v with different value", e.CollectionID, e.Key)
}

// UndefinedKeyError reports a getKey result that cannot identify an item
// (nil pointer, nil interface, or invalid value).
type UndefinedKeyError struct {
	CollectionID string
	Item         any
}

func (e *UndefinedKeyError) Error() string {
	return fmt.Sprintf("collection %s: getKey returned an undefined key for %v", e.CollectionID, e.Item)
}

// UpdateKeyNotFoundError reports an update on a key with no visible value.
type UpdateKeyNotFoundError struct {
	CollectionID string
	Key          any
}

func (e *UpdateKeyNotFoundError) Error() string {
	return fmt.Sprintf("collection %s: cannot update missing key %v", e.CollectionID, e.Key)
}

// KeyUpdateNotAllowedError reports an update that would change an item's key.
type KeyUpdateNotAllowedError struct {
	CollectionID string
	Key, NewKey  any
}

func (e *KeyUpdateNotAllowedError) Error() string {
	return fmt.Sprintf("collection %s: updating key %v to %v is not allowed", e.CollectionID, e.Key, e.NewKey)
}

// DeleteKeyNotFoundError reports a delete on a key with no visible value.
type DeleteKeyNotFoundError struct {
	CollectionID string
	Key          any
}

func (e *DeleteKeyNotFoundError) Error() string {
	return fmt.Sprintf("collection %s: cannot delete missing key %v", e.CollectionID, e.Key)
}

// MissingHandlerError reports a direct mutation on a collection without the
// matching handler and without an ambient transaction to attach to.
// Operation is "insert", "update" or "delete".
type MissingHandlerError struct {
	CollectionID string
	Operation    string
}

func (e *MissingHandlerError) Error() string {
	return fmt.Sprintf("collection %s: no on%s handler configured and no ambient transaction", e.CollectionID, titleCase(e.Operation))
}

// SyncCleanupError wraps a failure from the sync adapter's cleanup function.
// It is reported asynchronously so it can never corrupt the commit path.
type SyncCleanupError struct {
	CollectionID string
	Cause        error
}

func (e *SyncCleanupError) Error() string {
	return fmt.Sprintf("collection %s: sync cleanup failed: %v", e.CollectionID, e.Cause)
}

func (e *SyncCleanupError) Unwrap() error { return e.Cause }

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
