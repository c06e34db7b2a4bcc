// Package transport defines the pluggable remote-transport interface
// the sync driver talks to (spec.md §4.8). No concrete transport is
// implemented here — cloud-drive plugins and the like are an explicit
// non-goal (spec.md §1) — only the contract and the shapes the sync
// driver exchanges across it.
package transport

import (
	"context"

	"github.com/rachitkumar205/syncengine/internal/merkle"
	"github.com/rachitkumar205/syncengine/internal/oplog"
)

// Profile is the user-facing identity a transport presents for
// display only.
type Profile struct {
	DisplayName string
	Email       string
}

// RemoteEntry is the envelope a transport persists remotely, carrying
// an OpLogEntry plus the addressing metadata needed to query it back.
type RemoteEntry struct {
	Time     string // hlc_time, also the entry's own stamp
	Counter  uint16
	ClientID string
	Entry    oplog.Entry
}

// RemoteMerkle pairs a client's id with its uploaded Merkle snapshot.
type RemoteMerkle struct {
	ClientID string
	Tree     *merkle.Tree
}

// ListMerklesFilter narrows get_remote_merkles by client id.
type ListMerklesFilter struct {
	IncludeClientIDs []string
	ExcludeClientIDs []string
}

// SignInListener is notified on sign-in state changes.
type SignInListener func(signedIn bool)

// Plugin is the narrow, one-directional contract a transport
// implements: the sync driver calls transports, and transports never
// call back into the sync driver directly — entries they receive flow
// back only through the apply engine's public entry point
// (spec.md §9).
type Plugin interface {
	PluginID() string
	Load(ctx context.Context) error

	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
	IsSignedIn() bool
	UserProfile() (Profile, bool)
	AddSignInChangeListener(fn SignInListener)

	GetSettings(ctx context.Context) ([]byte, error)
	SetSettings(ctx context.Context, settings []byte) error

	// SaveRemoteEntry is idempotent: it must refuse to create a
	// duplicate for the same (ClientID, entry.HLCTime).
	SaveRemoteEntry(ctx context.Context, e RemoteEntry) error
	// GetRemoteEntries streams entries uploaded by clientID with
	// hlc_time strictly greater than afterTime (if non-nil).
	GetRemoteEntries(ctx context.Context, clientID string, afterTime *string) (EntryIterator, error)

	// SaveRemoteMerkle overwrites the remote snapshot for clientID.
	SaveRemoteMerkle(ctx context.Context, clientID string, tree *merkle.Tree) error
	GetRemoteMerkles(ctx context.Context, filter ListMerklesFilter) ([]RemoteMerkle, error)
	// DeleteRemoteMerkles removes stale duplicate snapshots found for
	// a client, as directed by the sync driver (spec.md §4.7 step 3).
	DeleteRemoteMerkles(ctx context.Context, clientID string) error
}

// EntryIterator streams oplog entries from a transport, one page at a
// time, matching the suspension-point model of spec.md §5.
type EntryIterator interface {
	Next(ctx context.Context) (oplog.Entry, bool, error)
	Close() error
}
