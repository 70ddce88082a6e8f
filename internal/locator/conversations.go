package locator

import (
	"context"
	"path"
	"sort"
	"strings"

	"wxannual/internal/database"
	"wxannual/internal/wx"
)

// Conversations opens each message store of the account and returns one
// Conversation per thread table. A store holds either a Chat_<hash> table
// per conversation or a single Chat table named by its file; the layout is
// read from the store itself. Stores that cannot be opened are skipped.
func (l *Locator) Conversations(ctx context.Context, stores *wx.AccountStores, contacts map[string]*wx.Contact) ([]*wx.Conversation, []wx.Skip) {
	byHash := make(map[string]*wx.Contact, len(contacts))
	for id, c := range contacts {
		byHash[HashName(id)] = c
	}

	var (
		convs []*wx.Conversation
		skips []wx.Skip
	)
	for _, rf := range stores.Unrecognized {
		skips = append(skips, wx.Skip{
			Scope:     wx.ScopeStore,
			AccountID: stores.Account.ID,
			Path:      rf.RelativePath,
			Reason:    "unrecognized store naming",
		})
	}

	for _, rf := range stores.MessageStores {
		if ctx.Err() != nil {
			break
		}
		if isEmpty(rf) {
			skips = append(skips, wx.Skip{
				Scope:     wx.ScopeStore,
				AccountID: stores.Account.ID,
				Path:      rf.RelativePath,
				Reason:    "store is empty",
			})
			continue
		}
		found, err := l.threadTables(ctx, rf)
		if err != nil {
			skips = append(skips, wx.Skip{
				Scope:     wx.ScopeStore,
				AccountID: stores.Account.ID,
				Path:      rf.RelativePath,
				Reason:    err.Error(),
			})
			continue
		}
		for _, t := range found {
			convs = append(convs, conversation(stores.Account.ID, rf, t, byHash[t.hash]))
		}
	}

	sort.Slice(convs, func(i, j int) bool {
		if convs[i].ID != convs[j].ID {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].Store.RelativePath < convs[j].Store.RelativePath
	})
	return convs, skips
}

type threadTable struct {
	name string
	hash string
}

// threadTables lists the thread tables of one store.
func (l *Locator) threadTables(ctx context.Context, rf wx.ResolvedFile) ([]threadTable, error) {
	db, err := l.open(ctx, rf)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	names, err := database.TableNames(ctx, db)
	if err != nil {
		return nil, wx.StoreCorrupt(rf.RelativePath, err)
	}

	var tables []threadTable
	for _, name := range names {
		if m := sharedTablePattern.FindStringSubmatch(name); m != nil {
			tables = append(tables, threadTable{name: name, hash: m[1]})
			continue
		}
		if name == singleTableName {
			if m := chatStorePattern.FindStringSubmatch(rf.RelativePath); m != nil {
				tables = append(tables, threadTable{name: name, hash: m[1]})
			} else if hash := strings.TrimSuffix(path.Base(rf.RelativePath), path.Ext(rf.RelativePath)); len(hash) == 32 {
				tables = append(tables, threadTable{name: name, hash: hash})
			} else {
				l.logger.Warn("single-thread store not named by hash, skipping table", "path", rf.RelativePath)
			}
		}
	}
	if len(tables) == 0 {
		l.logger.Debug("store holds no thread tables", "path", rf.RelativePath)
	}
	return tables, nil
}

func conversation(accountID string, rf wx.ResolvedFile, t threadTable, c *wx.Contact) *wx.Conversation {
	conv := &wx.Conversation{
		ID:        t.hash,
		Hash:      t.hash,
		Kind:      wx.ConversationOneToOne,
		AccountID: accountID,
		Store:     rf,
		Table:     t.name,
	}
	if c == nil {
		return conv
	}

	conv.ID = c.ID
	if c.Kind == wx.ContactGroup {
		conv.Kind = wx.ConversationGroup
		conv.Participants = append([]string(nil), c.Members...)
	} else {
		conv.Participants = []string{c.ID}
	}
	return conv
}
