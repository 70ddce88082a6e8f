package locator

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"google.golang.org/protobuf/encoding/protowire"

	"wxannual/internal/database"
	"wxannual/internal/wx"
)

// Field numbers of the remark record stored with each contact.
const (
	remarkNickname       protowire.Number = 1
	remarkAlias          protowire.Number = 2
	remarkRemark         protowire.Number = 3
	remarkRemarkPinyin   protowire.Number = 4
	remarkRemarkInitials protowire.Number = 5
	remarkNicknamePinyin protowire.Number = 6
	remarkDescription    protowire.Number = 7
	remarkTag            protowire.Number = 8
)

const (
	groupSuffix   = "@chatroom"
	servicePrefix = "gh_"
)

// Contacts loads the account's contact directory keyed by user name. A
// missing contacts index yields an empty directory; one that cannot be
// opened fails with StoreCorrupt.
func (l *Locator) Contacts(ctx context.Context, stores *wx.AccountStores) (map[string]*wx.Contact, error) {
	contacts := make(map[string]*wx.Contact)
	if stores.Contacts == nil {
		return contacts, nil
	}

	db, err := l.open(ctx, *stores.Contacts)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cols, err := database.TableColumns(ctx, db, "Friend")
	if err != nil {
		return nil, wx.StoreCorrupt(stores.Contacts.RelativePath, err)
	}
	if !cols["userName"] {
		return nil, wx.StoreCorrupt(stores.Contacts.RelativePath, fmt.Errorf("no Friend table"))
	}

	q := fmt.Sprintf("SELECT userName, %s, %s, %s, %s FROM Friend",
		column(cols, "type", "0"),
		column(cols, "dbContactRemark", "NULL"),
		column(cols, "dbContactHeadImage", "NULL"),
		column(cols, "dbContactChatRoom", "NULL"),
	)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, wx.StoreCorrupt(stores.Contacts.RelativePath, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userName sql.NullString
			typ      sql.NullInt64
			remark   []byte
			head     []byte
			room     []byte
		)
		if err := rows.Scan(&userName, &typ, &remark, &head, &room); err != nil {
			return nil, wx.StoreCorrupt(stores.Contacts.RelativePath, err)
		}
		if !userName.Valid || userName.String == "" {
			continue
		}

		c := &wx.Contact{ID: userName.String, Kind: KindOf(userName.String)}
		applyRemark(c, remark)
		c.HeadImage = string(headImagePattern.Find(head))
		if c.Kind == wx.ContactGroup {
			c.Members = RoomMembers(room)
		}
		c.DisplayName = c.Label()
		contacts[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, wx.StoreCorrupt(stores.Contacts.RelativePath, err)
	}

	l.logger.Debug("contacts loaded", "account", stores.Account.ID, "count", len(contacts))
	return contacts, nil
}

func column(cols map[string]bool, name, fallback string) string {
	if cols[name] {
		return database.QuoteIdent(name)
	}
	return fallback
}

// KindOf classifies a contact by its user name.
func KindOf(userName string) wx.ContactKind {
	switch {
	case strings.HasSuffix(userName, groupSuffix):
		return wx.ContactGroup
	case strings.HasPrefix(userName, servicePrefix):
		return wx.ContactService
	default:
		return wx.ContactIndividual
	}
}

// Remark holds the decoded fields of a contact's remark record.
type Remark struct {
	Nickname    string
	Alias       string
	Remark      string
	Description string
	Tag         string
}

// DecodeRemark decodes a remark record. Decoding stops at the first
// malformed field and returns what was read so far.
func DecodeRemark(b []byte) Remark {
	var r Remark
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return r
		}
		b = b[n:]

		switch num {
		case remarkNickname:
			r.Nickname = string(v)
		case remarkAlias:
			r.Alias = string(v)
		case remarkRemark:
			r.Remark = string(v)
		case remarkDescription:
			r.Description = string(v)
		case remarkTag:
			r.Tag = string(v)
		}
	}
	return r
}

func applyRemark(c *wx.Contact, blob []byte) {
	r := DecodeRemark(blob)
	c.Nickname = r.Nickname
	c.Alias = r.Alias
	c.Remark = r.Remark
}

// RoomMembers returns the member user names listed in a group's room
// document, in document order. The document is embedded in a binary
// record and is often not well formed, so it is tokenized leniently.
func RoomMembers(blob []byte) []string {
	start := bytes.Index(blob, []byte("<RoomData>"))
	if start < 0 {
		return nil
	}

	var members []string
	seen := make(map[string]bool)
	z := html.NewTokenizer(bytes.NewReader(blob[start:]))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return members
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "member" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "username" && len(val) > 0 && !seen[string(val)] {
					seen[string(val)] = true
					members = append(members, string(val))
				}
				if !more {
					break
				}
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "roomdata" {
				return members
			}
		}
	}
}
