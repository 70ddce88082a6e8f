package testutil

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"wxannual/internal/plist"
)

const (
	friendSchema = `CREATE TABLE Friend (
		userName TEXT PRIMARY KEY, type INTEGER DEFAULT 0, certificationFlag INTEGER DEFAULT 0,
		imgStatus INTEGER DEFAULT 0, encodeUserName TEXT, dbContactLocal BLOB, dbContactOther BLOB,
		dbContactRemark BLOB, dbContactHeadImage BLOB, dbContactProfile BLOB, dbContactSocial BLOB,
		dbContactChatRoom BLOB, dbContactBrand BLOB, dbContactEncryptSecret BLOB)`

	chatColumns = `(TableVer INTEGER DEFAULT 1, MesLocalID INTEGER PRIMARY KEY AUTOINCREMENT,
		MesSvrID INTEGER DEFAULT 0, CreateTime INTEGER DEFAULT 0, Message TEXT,
		Status INTEGER DEFAULT 0, ImgStatus INTEGER DEFAULT 0, Type INTEGER, Des INTEGER)`

	sessionSchema = `CREATE TABLE SessionAbstract (UsrName TEXT PRIMARY KEY, CreateTime INTEGER,
		ConStrRes1 TEXT, ConIntRes1 INTEGER, UnreadCount INTEGER DEFAULT 0)`
)

// Account is a synthetic account namespace inside a Backup.
type Account struct {
	b    *Backup
	WXID string
	Hash string
}

// ContactRow is one row of the contacts index.
type ContactRow struct {
	UserName  string
	Type      int
	Nickname  string
	Remark    string // name given by the account owner
	HeadImage string
	ChatRoom  string // group member document
}

// MessageRow is one row of a conversation table. A zero LocalID lets the
// store assign one.
type MessageRow struct {
	LocalID    int64
	ServerID   int64
	CreateTime int64
	Type       int
	Des        int // 0 sent, 1 received
	Message    string
}

// SessionRow is one row of the session list.
type SessionRow struct {
	UserName   string
	CreateTime int64
}

// AddAccount creates an account namespace for wxid with its settings
// archive carrying the display name and head image.
func (b *Backup) AddAccount(wxid, displayName string) *Account {
	b.t.Helper()

	a := &Account{b: b, WXID: wxid, Hash: MD5(wxid)}
	b.AddDirectory(AppDomain, "Documents/"+a.Hash)
	b.AddFile(AppDomain, "Documents/MMappedKV/mmsetting.archive."+wxid, SettingsArchive(displayName, "https://wx.qlogo.cn/mmhead/ver_1/abcdef/132"))
	return a
}

// AddAnonymousAccount creates a namespace whose login id cannot be recovered.
func (b *Backup) AddAnonymousAccount(hash string) *Account {
	b.t.Helper()
	b.AddDirectory(AppDomain, "Documents/"+hash)
	return &Account{b: b, Hash: hash}
}

// SettingsArchive builds the bytes of a settings archive as the app
// writes them: a key/value dump with the nickname after a "88" marker.
func SettingsArchive(displayName, headImage string) []byte {
	var sb strings.Builder
	sb.WriteString("\x00\x01MMKV\x00\x10")
	sb.WriteString("88\x0a\x12")
	sb.WriteString(displayName)
	sb.WriteString("\x01\x02")
	if headImage != "" {
		sb.WriteString("\x0aheadimgurl\x00\x2c")
		sb.WriteString(headImage)
		sb.WriteString("\x00")
	}
	return []byte(sb.String())
}

// Path returns a relative path inside the account namespace.
func (a *Account) Path(rel string) string {
	return "Documents/" + a.Hash + "/" + rel
}

// AddContacts writes the contacts index.
func (a *Account) AddContacts(rows ...ContactRow) string {
	a.b.t.Helper()

	stmts := []string{friendSchema}
	for _, r := range rows {
		stmts = append(stmts, fmt.Sprintf(
			`INSERT INTO Friend (userName, type, dbContactRemark, dbContactHeadImage, dbContactChatRoom, dbContactEncryptSecret)
			 VALUES (%s, %d, X'%x', X'%x', X'%x', X'00')`,
			quote(r.UserName), r.Type, RemarkBlob(r.Nickname, r.Remark), headImageBlob(r.HeadImage), []byte(r.ChatRoom),
		))
	}
	return a.b.AddSQLite(AppDomain, a.Path("DB/WCDB_Contact.sqlite"), stmts...)
}

// AddCorruptContacts writes a contacts index that is not a database.
func (a *Account) AddCorruptContacts() {
	a.b.t.Helper()
	a.b.AddFile(AppDomain, a.Path("DB/WCDB_Contact.sqlite"), []byte("definitely not an sqlite database header, just bytes"))
}

// RemarkBlob encodes the remark record: length-delimited fields with
// the nickname in field 1 and the owner's remark in field 3.
func RemarkBlob(nickname, remark string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, nickname)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "")
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, remark)
	return b
}

func headImageBlob(url string) []byte {
	if url == "" {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, url)
	return b
}

// AddMessageStore writes a shared store DB/message_<n>.sqlite holding one
// Chat_<md5(userName)> table per conversation.
func (a *Account) AddMessageStore(n int, chats map[string][]MessageRow) string {
	a.b.t.Helper()

	var stmts []string
	for userName, rows := range chats {
		table := "Chat_" + MD5(userName)
		stmts = append(stmts, "CREATE TABLE "+table+" "+chatColumns)
		stmts = append(stmts, insertMessages(table, rows)...)
	}
	return a.b.AddSQLite(AppDomain, a.Path(fmt.Sprintf("DB/message_%d.sqlite", n)), stmts...)
}

// AddChatStore writes a per-conversation store DB/Chat/<md5>.sqlite with a
// single Chat table.
func (a *Account) AddChatStore(userName string, rows []MessageRow) string {
	a.b.t.Helper()

	stmts := append([]string{"CREATE TABLE Chat " + chatColumns}, insertMessages("Chat", rows)...)
	return a.b.AddSQLite(AppDomain, a.Path("DB/Chat/"+MD5(userName)+".sqlite"), stmts...)
}

// AddCorruptMessageStore registers a message store whose content is garbage.
func (a *Account) AddCorruptMessageStore(n int) {
	a.b.t.Helper()
	a.b.AddFile(AppDomain, a.Path(fmt.Sprintf("DB/message_%d.sqlite", n)), []byte("garbage garbage garbage garbage garbage garbage garbage"))
}

// AddSessions writes the session list.
func (a *Account) AddSessions(rows ...SessionRow) string {
	a.b.t.Helper()

	stmts := []string{sessionSchema}
	for _, r := range rows {
		stmts = append(stmts, fmt.Sprintf(
			`INSERT INTO SessionAbstract (UsrName, CreateTime) VALUES (%s, %d)`, quote(r.UserName), r.CreateTime))
	}
	return a.b.AddSQLite(AppDomain, a.Path("session/session.db"), stmts...)
}

func insertMessages(table string, rows []MessageRow) []string {
	stmts := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.LocalID > 0 {
			stmts = append(stmts, fmt.Sprintf(
				`INSERT INTO %s (MesLocalID, MesSvrID, CreateTime, Message, Type, Des) VALUES (%d, %d, %d, %s, %d, %d)`,
				table, r.LocalID, r.ServerID, r.CreateTime, quote(r.Message), r.Type, r.Des))
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			`INSERT INTO %s (MesSvrID, CreateTime, Message, Type, Des) VALUES (%d, %d, %s, %d, %d)`,
			table, r.ServerID, r.CreateTime, quote(r.Message), r.Type, r.Des))
	}
	return stmts
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// AddPreferences writes the app's preference property list.
func (b *Backup) AddPreferences(values map[string]any) {
	b.t.Helper()
	data, err := plist.Encode(values)
	if err != nil {
		b.t.Fatalf("encoding preferences: %v", err)
	}
	b.AddFile(AppDomain, "Library/Preferences/com.tencent.xin.plist", data)
}
