// Package decoder turns conversation tables into canonical messages.
package decoder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wxannual/internal/database"
	"wxannual/internal/wx"
)

const (
	// DefaultOpenTimeout bounds opening a conversation store.
	DefaultOpenTimeout = 5 * time.Second

	// maxClockSkew is how far past the clock a timestamp may lie before
	// the row is treated as corrupt.
	maxClockSkew = 48 * time.Hour
)

var requiredColumns = []string{"CreateTime", "Type", "Message"}

// Decoder implements wx.MessageDecoder for the app's conversation tables.
type Decoder struct {
	logger      wx.Logger
	clock       wx.Clock
	openTimeout time.Duration
	from, to    time.Time
}

var _ wx.MessageDecoder = (*Decoder)(nil)

// Option configures a Decoder.
type Option func(*Decoder)

// WithOpenTimeout bounds how long opening one store may take.
func WithOpenTimeout(d time.Duration) Option {
	return func(dec *Decoder) {
		if d > 0 {
			dec.openTimeout = d
		}
	}
}

// WithWindow restricts decoding to messages created in [from, to).
// Zero bounds are open.
func WithWindow(from, to time.Time) Option {
	return func(dec *Decoder) {
		dec.from, dec.to = from, to
	}
}

// WithClock sets the clock used to reject timestamps from the future.
func WithClock(c wx.Clock) Option {
	return func(dec *Decoder) {
		dec.clock = c
	}
}

// New creates a Decoder.
func New(logger wx.Logger, opts ...Option) *Decoder {
	if logger == nil {
		logger = wx.NewNopLogger()
	}
	dec := &Decoder{logger: logger, clock: wx.RealClock{}, openTimeout: DefaultOpenTimeout}
	for _, opt := range opts {
		opt(dec)
	}
	return dec
}

// Open returns a stream over the conversation's rows, oldest first. It
// fails with StoreCorrupt when the store cannot be opened or the table is
// not a conversation table.
func (d *Decoder) Open(ctx context.Context, conv *wx.Conversation) (wx.MessageStream, error) {
	octx, cancel := context.WithTimeout(ctx, d.openTimeout)
	defer cancel()

	db, err := database.OpenReadOnly(octx, conv.Store.PhysicalPath)
	if err != nil {
		return nil, wx.StoreCorrupt(conv.Store.RelativePath, err)
	}

	horizon := d.clock.Now().Add(maxClockSkew).Unix()
	q, args, err := d.query(octx, db, conv.Table, horizon)
	if err != nil {
		db.Close()
		return nil, wx.StoreCorrupt(conv.Store.RelativePath, err)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		db.Close()
		return nil, wx.StoreCorrupt(conv.Store.RelativePath, err)
	}

	return &stream{
		db:      db,
		rows:    rows,
		conv:    conv,
		horizon: horizon,
		logger:  d.logger,
	}, nil
}

// query builds the row select. With a window set, rows whose timestamp is
// missing or out of range are still selected so the stream counts them as
// warnings instead of the window hiding them.
func (d *Decoder) query(ctx context.Context, db *sql.DB, table string, horizon int64) (string, []any, error) {
	cols, err := database.TableColumns(ctx, db, table)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("table %s not found", table)
	}
	for _, c := range requiredColumns {
		if !cols[c] {
			return "", nil, fmt.Errorf("table %s lacks column %s", table, c)
		}
	}

	localID := "rowid"
	if cols["MesLocalID"] {
		localID = "MesLocalID"
	}
	serverID := "0"
	if cols["MesSvrID"] {
		serverID = "MesSvrID"
	}
	des := "0"
	if cols["Des"] {
		des = "Des"
	}

	var (
		where []string
		args  []any
	)
	if !d.from.IsZero() {
		where = append(where, "CreateTime >= ?")
		args = append(args, d.from.Unix())
	}
	if !d.to.IsZero() {
		where = append(where, "CreateTime < ?")
		args = append(args, d.to.Unix())
	}

	q := fmt.Sprintf("SELECT %s, %s, CreateTime, Type, %s, Message FROM %s",
		localID, serverID, des, database.QuoteIdent(table))
	if len(where) > 0 {
		q += " WHERE CreateTime IS NULL OR CreateTime <= 0 OR CreateTime > ? OR (" + strings.Join(where, " AND ") + ")"
		args = append([]any{horizon}, args...)
	}
	q += " ORDER BY CreateTime, " + localID
	return q, args, nil
}

// stream implements wx.MessageStream over an open result set.
type stream struct {
	db       *sql.DB
	rows     *sql.Rows
	conv     *wx.Conversation
	horizon  int64
	logger   wx.Logger
	cur      *wx.Message
	err      error
	warnings int
	closed   bool
}

func (s *stream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	for s.rows.Next() {
		var (
			localID  sql.NullInt64
			serverID sql.NullInt64
			created  sql.NullInt64
			rawType  sql.NullInt64
			des      sql.NullInt64
			body     []byte
		)
		if err := s.rows.Scan(&localID, &serverID, &created, &rawType, &des, &body); err != nil {
			s.warn("unreadable row", "error", err)
			continue
		}
		if !created.Valid || created.Int64 <= 0 || created.Int64 > s.horizon {
			s.warn("row timestamp out of range", "local_id", localID.Int64, "create_time", created.Int64)
			continue
		}
		if !rawType.Valid {
			s.warn("row without type", "local_id", localID.Int64)
			continue
		}

		msg, known := s.decode(localID.Int64, serverID.Int64, created.Int64, int(rawType.Int64), des.Int64, body)
		if !known {
			s.warn("unknown message type", "local_id", localID.Int64, "type", rawType.Int64)
		}
		s.cur = msg
		return true
	}
	if err := s.rows.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.err = err
		} else {
			s.err = wx.StoreCorrupt(s.conv.Store.RelativePath, err)
		}
	}
	return false
}

func (s *stream) decode(localID, serverID, created int64, rawType int, des int64, body []byte) (*wx.Message, bool) {
	msg := &wx.Message{
		ID:               messageID(s.conv.ID, serverID, localID),
		ConversationID:   s.conv.ID,
		ConversationKind: s.conv.Kind,
		Timestamp:        time.Unix(created, 0).UTC(),
		RawType:          rawType,
		ServerID:         serverID,
	}

	if des == 0 {
		msg.Direction = wx.DirectionSent
		msg.SenderID = s.conv.AccountID
	} else {
		msg.Direction = wx.DirectionReceived
		msg.SenderID = s.conv.ID
		if s.conv.Kind == wx.ConversationGroup {
			if sender, rest := splitSender(body); sender != "" {
				msg.SenderID = sender
				body = rest
			}
		}
	}

	msg.RawPayload = body
	p := decodePayload(rawType, body)
	msg.Type = p.typ
	msg.DecodedText = p.text
	msg.Duration = p.duration
	msg.Latitude, msg.Longitude = p.lat, p.lng
	msg.StickerMD5, msg.StickerURL = p.stickerMD5, p.stickerURL
	msg.FriendAdded = rawType == rawSystem && serverID == 0 &&
		s.conv.Kind == wx.ConversationOneToOne && !hasQuote(body)
	msg.GroupJoined = rawType == rawSystemMarkup &&
		s.conv.Kind == wx.ConversationGroup && isGroupInvite(body)
	return msg, p.known
}

// messageID scopes row identity to the conversation. The server id is
// stable across re-downloads of the same message; the local id is used
// when the server id was never assigned.
func messageID(convID string, serverID, localID int64) string {
	if serverID != 0 {
		return convID + "#s" + strconv.FormatInt(serverID, 10)
	}
	return convID + "#l" + strconv.FormatInt(localID, 10)
}

func (s *stream) warn(msg string, args ...any) {
	s.warnings++
	s.logger.Debug(msg, append([]any{"conversation", s.conv.ID}, args...)...)
}

func (s *stream) Message() *wx.Message { return s.cur }

func (s *stream) Err() error { return s.err }

func (s *stream) Warnings() int { return s.warnings }

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	rerr := s.rows.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}
