// Package locator finds the messaging app's per-account stores inside a
// backup: the contacts index, the session list and the message stores.
package locator

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"

	"wxannual/internal/database"
	"wxannual/internal/wx"
)

const (
	// Domain is the manifest domain of the messaging app.
	Domain = "AppDomain-com.tencent.xin"

	contactsPath = "DB/WCDB_Contact.sqlite"
	sessionsPath = "session/session.db"

	// DefaultOpenTimeout bounds opening a single store.
	DefaultOpenTimeout = 5 * time.Second
)

var (
	namespacePattern = regexp.MustCompile(`^Documents/([0-9a-f]{32})(?:/(.+))?$`)

	sharedStorePattern = regexp.MustCompile(`^DB/(?:message_\d+|MM)\.sqlite$`)
	chatStorePattern   = regexp.MustCompile(`^DB/Chat/([0-9a-f]{32})\.sqlite$`)
	storeLikePattern   = regexp.MustCompile(`(?i)^DB/.*(?:message|chat|msg).*\.(?:sqlite|db)$`)
	sidecarSuffixes    = []string{"-wal", "-shm", "-journal"}
	sharedTablePattern = regexp.MustCompile(`^Chat_([0-9a-f]{32})$`)
	singleTableName    = "Chat"
)

// HashName returns the namespace hash of a user name: lowercase hex MD5.
// Account directories and conversation tables are named this way.
func HashName(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// Locator implements wx.StoreLocator over a backup index.
type Locator struct {
	index       wx.BackupIndex
	logger      wx.Logger
	openTimeout time.Duration
}

var _ wx.StoreLocator = (*Locator)(nil)

// Option configures a Locator.
type Option func(*Locator)

// WithOpenTimeout bounds how long opening one store may take.
func WithOpenTimeout(d time.Duration) Option {
	return func(l *Locator) {
		if d > 0 {
			l.openTimeout = d
		}
	}
}

// New creates a Locator reading from index.
func New(index wx.BackupIndex, logger wx.Logger, opts ...Option) *Locator {
	if logger == nil {
		logger = wx.NewNopLogger()
	}
	l := &Locator{index: index, logger: logger, openTimeout: DefaultOpenTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// namespace collects the manifest entries of one account directory.
type namespace struct {
	hash  string
	files map[string]*wx.ManifestEntry // keyed by path relative to the namespace
}

// Accounts scans the app domain, groups entries by account namespace and
// resolves each account's stores. It fails with NoAccountsFound only when
// no namespace exists at all.
func (l *Locator) Accounts(ctx context.Context) ([]*wx.AccountStores, error) {
	namespaces := make(map[string]*namespace)
	var hints identityHints

	err := l.index.Scan(Domain, func(e *wx.ManifestEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Domain != Domain {
			return nil
		}
		hints.observe(e)

		m := namespacePattern.FindStringSubmatch(e.RelativePath)
		if m == nil {
			return nil
		}
		ns, ok := namespaces[m[1]]
		if !ok {
			ns = &namespace{hash: m[1], files: make(map[string]*wx.ManifestEntry)}
			namespaces[m[1]] = ns
		}
		if m[2] != "" && e.IsFile() {
			ns.files[m[2]] = e
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wx.ManifestCorrupt(l.index.Root(), err)
	}
	if len(namespaces) == 0 {
		return nil, wx.NoAccountsFound(l.index.Root())
	}

	ids := l.resolveIDs(namespaces, &hints)

	hashes := make([]string, 0, len(namespaces))
	for h := range namespaces {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	out := make([]*wx.AccountStores, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, l.accountStores(namespaces[h], ids[h], &hints))
	}
	return out, nil
}

func (l *Locator) accountStores(ns *namespace, wxid string, hints *identityHints) *wx.AccountStores {
	acct := wx.Account{ID: wxid, Hash: ns.hash, DisplayName: DefaultDisplayName}
	if acct.ID == "" {
		acct.ID = ns.hash
		l.logger.Warn("account id not resolvable, using namespace hash", "account", ns.hash)
	} else if e := hints.settings[wxid]; e != nil {
		l.readProfile(&acct, l.index.Resolve(e))
	}

	stores := &wx.AccountStores{Account: acct}

	rels := make([]string, 0, len(ns.files))
	for rel := range ns.files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	stores.Contacts = l.lookup(acct.ID, ns.hash, contactsPath)
	stores.Sessions = l.lookup(acct.ID, ns.hash, sessionsPath)

	for _, rel := range rels {
		rf := l.index.Resolve(ns.files[rel])
		switch {
		case rel == contactsPath, rel == sessionsPath:
		case sharedStorePattern.MatchString(rel), chatStorePattern.MatchString(rel):
			if md := rf.Metadata; md != nil {
				l.logger.Debug("message store", "account", acct.ID, "path", rel, "size", md.Size, "modified", md.Modified)
			}
			stores.MessageStores = append(stores.MessageStores, rf)
		case isSidecar(rel):
		case storeLikePattern.MatchString(rel):
			l.logger.Warn("unrecognized store naming, skipping", "account", acct.ID, "path", rel)
			stores.Unrecognized = append(stores.Unrecognized, rf)
		}
	}

	l.logger.Debug("account located", "account", acct.ID, "hash", ns.hash, "stores", len(stores.MessageStores))
	return stores
}

// lookup resolves a well-known file of an account namespace by its exact
// identity. Missing or empty files yield nil.
func (l *Locator) lookup(accountID, hash, rel string) *wx.ResolvedFile {
	e, err := l.index.Lookup(Domain, "Documents/"+hash+"/"+rel)
	if err != nil {
		l.logger.Warn("manifest lookup failed", "account", accountID, "path", rel, "error", err)
		return nil
	}
	if e == nil || !e.IsFile() {
		return nil
	}
	rf := l.index.Resolve(e)
	if isEmpty(rf) {
		l.logger.Warn("store is empty, ignoring", "account", accountID, "path", rel)
		return nil
	}
	return &rf
}

// isEmpty reports whether the manifest recorded the file with no content.
func isEmpty(rf wx.ResolvedFile) bool {
	return rf.Metadata != nil && rf.Metadata.Size == 0
}

func isSidecar(rel string) bool {
	for _, s := range sidecarSuffixes {
		if strings.HasSuffix(rel, s) {
			return true
		}
	}
	return false
}

// open opens a store read-only, bounded by the configured timeout.
func (l *Locator) open(ctx context.Context, rf wx.ResolvedFile) (*sql.DB, error) {
	octx, cancel := context.WithTimeout(ctx, l.openTimeout)
	defer cancel()

	db, err := database.OpenReadOnly(octx, rf.PhysicalPath)
	if err != nil {
		return nil, wx.StoreCorrupt(rf.RelativePath, err)
	}
	return db, nil
}
