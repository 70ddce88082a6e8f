package wx

import "context"

// BackupIndex provides read-only access to the backup manifest.
type BackupIndex interface {
	// Root returns the backup root directory.
	Root() string

	// Lookup returns the entry for an exact (domain, relativePath) identity.
	// Returns nil and no error when the identity is not in the manifest.
	Lookup(domain, relativePath string) (*ManifestEntry, error)

	// Scan calls fn for every entry whose domain starts with domainPrefix.
	// Returning an error from fn stops the scan and returns that error.
	Scan(domainPrefix string, fn func(*ManifestEntry) error) error

	// Resolve maps an entry to its physical content-addressed file.
	Resolve(entry *ManifestEntry) ResolvedFile

	// Close releases the manifest handle.
	Close() error
}

// StoreLocator discovers accounts and their stores inside a backup.
type StoreLocator interface {
	// Accounts enumerates every account namespace with its stores.
	// Fails with NoAccountsFound when there are none.
	Accounts(ctx context.Context) ([]*AccountStores, error)

	// Contacts loads the contact directory of one account, keyed by ID.
	// Fails with StoreCorrupt when the contacts index cannot be opened.
	Contacts(ctx context.Context, stores *AccountStores) (map[string]*Contact, error)

	// Conversations opens the account's message stores and returns one
	// Conversation per thread found. Stores that cannot be opened are
	// returned as skips rather than errors.
	Conversations(ctx context.Context, stores *AccountStores, contacts map[string]*Contact) ([]*Conversation, []Skip)
}

// MessageDecoder opens conversation stores as message streams.
type MessageDecoder interface {
	// Open returns a stream over the conversation's rows. Fails with
	// StoreCorrupt when the store cannot be opened as a relational file.
	Open(ctx context.Context, conv *Conversation) (MessageStream, error)
}

// MessageStream is a lazy, forward-only sequence of messages.
// It can only be restarted by opening the conversation again.
type MessageStream interface {
	// Next advances to the next decodable message.
	Next() bool
	// Message returns the current message; valid until the next call to Next.
	Message() *Message
	// Err returns the first error that stopped iteration, if any.
	Err() error
	// Warnings returns the number of rows that were skipped or degraded.
	Warnings() int
	Close() error
}
