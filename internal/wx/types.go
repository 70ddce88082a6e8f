package wx

import (
	"path/filepath"
	"time"
)

// EntryFlags classifies a manifest row.
type EntryFlags int

const (
	FlagFile      EntryFlags = 1
	FlagDirectory EntryFlags = 2
	FlagSymlink   EntryFlags = 4
)

// ManifestEntry is one row of the backup manifest. Immutable once read.
type ManifestEntry struct {
	FileID       string // content hash of domain + "-" + relativePath
	Domain       string
	RelativePath string
	Flags        EntryFlags
	MetadataBlob []byte // property list with size, timestamps, permissions
}

// IsFile reports whether the entry describes a regular file.
func (e *ManifestEntry) IsFile() bool {
	return e.Flags == FlagFile
}

// ResolvedFile pairs a logical (domain, relativePath) identity with the
// physical location of its content in the backup pool.
type ResolvedFile struct {
	Domain       string
	RelativePath string
	FileID       string
	PhysicalPath string
	Metadata     *FileMetadata // nil when the manifest carries none
}

// FileMetadata is what the manifest recorded about a file when the backup
// was taken.
type FileMetadata struct {
	Size     int64
	Modified time.Time
}

// PoolPath returns the physical location of a content-addressed file:
// <root>/<first two hex chars of fileID>/<fileID>.
func PoolPath(root, fileID string) string {
	if len(fileID) < 2 {
		return filepath.Join(root, fileID)
	}
	return filepath.Join(root, fileID[:2], fileID)
}

// Account is one login identity found inside the backup.
type Account struct {
	ID           string // login identifier, or Hash when it cannot be resolved
	Hash         string // hashed namespace directory name
	DisplayName  string
	HeadImageURL string
}

// AccountStores lists the physical stores belonging to one Account.
type AccountStores struct {
	Account       Account
	Contacts      *ResolvedFile // nil when the contacts index is missing
	Sessions      *ResolvedFile // nil when the session list is missing
	MessageStores []ResolvedFile
	Unrecognized  []ResolvedFile // store-like files with an unknown naming convention
}

// ContactKind classifies a contact.
type ContactKind string

const (
	ContactIndividual ContactKind = "individual"
	ContactGroup      ContactKind = "group"
	ContactService    ContactKind = "service-account"
)

// Contact is one entry of an account's contact directory.
type Contact struct {
	ID          string // stable internal identifier (user name)
	DisplayName string
	Nickname    string
	Remark      string
	Alias       string
	HeadImage   string
	Kind        ContactKind
	Members     []string // group member IDs in document order; groups only
}

// Label returns the best human-readable name for the contact.
func (c *Contact) Label() string {
	switch {
	case c.Remark != "":
		return c.Remark
	case c.DisplayName != "":
		return c.DisplayName
	case c.Nickname != "":
		return c.Nickname
	default:
		return c.ID
	}
}

// ConversationKind distinguishes one-to-one chats from group chats.
type ConversationKind string

const (
	ConversationOneToOne ConversationKind = "one-to-one"
	ConversationGroup    ConversationKind = "group"
)

// Conversation is one message thread and the store that holds it.
// A shared store holds many conversations, each in its own table.
type Conversation struct {
	ID           string // contact user name, or the table hash when unknown
	Hash         string
	Kind         ConversationKind
	Participants []string // contact IDs
	AccountID    string
	Store        ResolvedFile
	Table        string
}

// Direction of a message relative to the account owner.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// MessageType is the normalized payload kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVoice    MessageType = "voice"
	TypeVideo    MessageType = "video"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeLink     MessageType = "link"
	TypeFile     MessageType = "file"
	TypeSystem   MessageType = "system"
	TypeUnknown  MessageType = "unknown"
)

// KnownTypes lists every recognized message type, excluding TypeUnknown.
var KnownTypes = []MessageType{
	TypeText, TypeImage, TypeVoice, TypeVideo, TypeSticker,
	TypeLocation, TypeLink, TypeFile, TypeSystem,
}

// Message is the canonical record produced by the decoder.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Timestamp      time.Time // UTC
	Direction      Direction
	Type           MessageType
	RawType        int
	RawPayload     []byte // retained only while the row is being decoded
	DecodedText    string

	// Type-specific details, zero when absent.
	Duration    time.Duration // voice clips
	Latitude    float64
	Longitude   float64
	StickerMD5  string
	StickerURL  string
	ServerID    int64
	FriendAdded bool // system notice announcing a newly added contact
	GroupJoined bool // system notice that the account was brought into a group

	ConversationKind ConversationKind
}

// Scope names the unit a Skip applies to.
type Scope string

const (
	ScopeAccount      Scope = "account"
	ScopeStore        Scope = "store"
	ScopeConversation Scope = "conversation"
)

// Skip records a unit that was left out of the run and why.
type Skip struct {
	Scope          Scope  `json:"scope"`
	AccountID      string `json:"account_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Path           string `json:"path,omitempty"`
	Reason         string `json:"reason"`
}
