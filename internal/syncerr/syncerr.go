// Package syncerr defines the closed taxonomy of errors the sync
// engine can return. Callers use errors.Is against the sentinels
// below; internal code wraps them with fmt.Errorf("...: %w", Sentinel)
// to attach context without losing the taxonomy.
package syncerr

import "errors"

var (
	// ClockNotInitialized is returned when an HLC operation is invoked
	// before the clock has been initialized from persisted state.
	ClockNotInitialized = errors.New("hlc: clock not initialized")

	// ClockDrift is returned when a local or remote physical time
	// differs from the local system clock by more than the
	// configured maximum drift.
	ClockDrift = errors.New("hlc: clock drift exceeds maximum")

	// CounterOverflow is returned when the HLC logical counter would
	// exceed its configured maximum within a single millisecond.
	CounterOverflow = errors.New("hlc: counter overflow")

	// DuplicateNode is returned when a remote HLC carries the local
	// node's own id.
	DuplicateNode = errors.New("hlc: remote timestamp carries local node id")

	// InvalidEntry is returned when an OpLogEntry fails structural or
	// semantic validation.
	InvalidEntry = errors.New("oplog: invalid entry")

	// UnsupportedStore is returned when a target record store uses a
	// nested key path or a server-side autoincrementing key.
	UnsupportedStore = errors.New("recordstore: unsupported key path")

	// TransactionAborted is returned when the host database aborts a
	// combined record+oplog write.
	TransactionAborted = errors.New("kvstore: transaction aborted")

	// InvalidMerkle is returned when a loaded or received Merkle
	// snapshot fails validation.
	InvalidMerkle = errors.New("merkle: invalid snapshot")

	// TransportError wraps any error surfaced by a transport plugin.
	TransportError = errors.New("transport: error")
)

// named pairs each sentinel with the short label metrics use, in the
// order Name checks them.
var named = []struct {
	err   error
	label string
}{
	{ClockNotInitialized, "clock_not_initialized"},
	{ClockDrift, "clock_drift"},
	{CounterOverflow, "counter_overflow"},
	{DuplicateNode, "duplicate_node"},
	{InvalidEntry, "invalid_entry"},
	{UnsupportedStore, "unsupported_store"},
	{TransactionAborted, "transaction_aborted"},
	{InvalidMerkle, "invalid_merkle"},
	{TransportError, "transport_error"},
}

// Name returns the metrics label for a sentinel from this taxonomy, or
// "unknown" if err does not wrap one of them.
func Name(err error) string {
	for _, n := range named {
		if errors.Is(err, n.err) {
			return n.label
		}
	}
	return "unknown"
}
