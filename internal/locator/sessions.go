package locator

import (
	"context"
	"database/sql"
	"math"
	"time"

	"wxannual/internal/database"
	"wxannual/internal/wx"
)

// Session is one entry of the account's session list.
type Session struct {
	UserName  string
	CreatedAt time.Time
}

// Sessions reads the session list, keeping sessions created in
// [since, until). Zero bounds are open. A missing session list is not an
// error.
func (l *Locator) Sessions(ctx context.Context, stores *wx.AccountStores, since, until time.Time) ([]Session, error) {
	if stores.Sessions == nil {
		return nil, nil
	}

	db, err := l.open(ctx, *stores.Sessions)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cols, err := database.TableColumns(ctx, db, "SessionAbstract")
	if err != nil || !cols["UsrName"] || !cols["CreateTime"] {
		l.logger.Warn("session list has no SessionAbstract table", "account", stores.Account.ID)
		return nil, nil
	}

	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !since.IsZero() {
		lo = since.Unix()
	}
	if !until.IsZero() {
		hi = until.Unix()
	}
	rows, err := db.QueryContext(ctx, `SELECT UsrName, CreateTime FROM SessionAbstract WHERE CreateTime >= ? AND CreateTime < ?`, lo, hi)
	if err != nil {
		return nil, wx.StoreCorrupt(stores.Sessions.RelativePath, err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			name sql.NullString
			ts   sql.NullInt64
		)
		if err := rows.Scan(&name, &ts); err != nil {
			return nil, wx.StoreCorrupt(stores.Sessions.RelativePath, err)
		}
		if !name.Valid {
			continue
		}
		sessions = append(sessions, Session{UserName: name.String, CreatedAt: time.Unix(ts.Int64, 0).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, wx.StoreCorrupt(stores.Sessions.RelativePath, err)
	}
	return sessions, nil
}
