// Package report assembles the per-account dataset handed to the
// presentation layer and publishes it to a vault.
package report

import (
	"sort"
	"time"

	"wxannual/internal/locator"
	"wxannual/internal/manifest"
	"wxannual/internal/pipeline"
	"wxannual/internal/stats"
	"wxannual/internal/wx"
)

// DefaultTopN is how many entries each ranking keeps.
const DefaultTopN = 10

// DefaultClips is how many received lines a dataset quotes.
const DefaultClips = 4

// Meta describes the run that produced a dataset.
type Meta struct {
	RunID       string
	GeneratedAt time.Time
	Year        int
	Timezone    string
	TopN        int
}

// AccountInfo identifies the account a dataset belongs to.
type AccountInfo struct {
	ID           string `json:"id"`
	Hash         string `json:"hash"`
	DisplayName  string `json:"display_name"`
	HeadImageURL string `json:"head_image_url,omitempty"`
}

// Ranked is one entry of a contact ranking.
type Ranked struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	HeadImage  string `json:"head_image,omitempty"`
	Sent       int    `json:"sent"`
	Received   int    `json:"received"`
	Total      int    `json:"total"`
	ActiveDays int    `json:"active_days"`
}

// Sticker is one entry of the sticker ranking.
type Sticker struct {
	MD5           string `json:"md5"`
	URL           string `json:"url,omitempty"`
	Count         int    `json:"count"`
	Conversations int    `json:"conversations"`
}

// Dataset is everything the presentation layer needs for one account.
type Dataset struct {
	RunID       string                 `json:"run_id"`
	GeneratedAt time.Time              `json:"generated_at"`
	Year        int                    `json:"year,omitempty"`
	Timezone    string                 `json:"timezone"`
	Backup      *manifest.Info         `json:"backup,omitempty"`
	Account     AccountInfo            `json:"account"`
	ActiveDays  int                    `json:"active_days"`
	Sessions    pipeline.SessionCounts `json:"sessions"`
	Stats       *stats.AggregateStats  `json:"stats"`
	Labels      map[string]string      `json:"labels"`
	TopFriends  []Ranked               `json:"top_friends"`
	TopGroups   []Ranked               `json:"top_groups"`
	TopStickers []Sticker              `json:"top_stickers"`
	Clips       []stats.Clip           `json:"clips"`
	Excluded    int                    `json:"excluded_conversations"`
	Skipped     []wx.Skip              `json:"skipped"`

	NewGroups      int `json:"new_groups"`
	NewConnections int `json:"new_connections"` // distinct members of new groups
}

// Build returns one dataset per extracted account. Skips are attached to
// the account they concern; skips without an account go to every dataset.
func Build(res *pipeline.Result, meta Meta) []*Dataset {
	if meta.TopN <= 0 {
		meta.TopN = DefaultTopN
	}

	out := make([]*Dataset, 0, len(res.Accounts))
	for _, ar := range res.Accounts {
		ds := &Dataset{
			RunID:       meta.RunID,
			GeneratedAt: meta.GeneratedAt.UTC(),
			Year:        meta.Year,
			Timezone:    meta.Timezone,
			Backup:      res.Backup,
			Account: AccountInfo{
				ID:           ar.Account.ID,
				Hash:         ar.Account.Hash,
				DisplayName:  ar.Account.DisplayName,
				HeadImageURL: ar.Account.HeadImageURL,
			},
			ActiveDays:  ar.Stats.ActiveDays(),
			Sessions:    ar.Sessions,
			Stats:       ar.Stats,
			Labels:      labels(ar),
			TopStickers: topStickers(ar.Stats, meta.TopN),
			Clips:       clips(ar.Stats, DefaultClips),
			Excluded:    ar.Excluded,
			Skipped:     []wx.Skip{},
			NewGroups:   len(ar.Stats.JoinedGroups),
		}
		ds.NewConnections = connections(ar)
		ds.TopFriends, ds.TopGroups = rankings(ar, ds.Labels, meta.TopN)
		for _, s := range res.Skipped {
			if s.AccountID == "" || s.AccountID == ar.Account.ID {
				ds.Skipped = append(ds.Skipped, s)
			}
		}
		out = append(out, ds)
	}
	return out
}

// labels maps every contact that appears in the breakdown to its label.
func labels(ar *pipeline.AccountResult) map[string]string {
	out := make(map[string]string, len(ar.Stats.ByContact))
	for id := range ar.Stats.ByContact {
		if c, ok := ar.Contacts[id]; ok {
			out[id] = c.Label()
		} else {
			out[id] = id
		}
	}
	return out
}

func kindOf(ar *pipeline.AccountResult, id string) wx.ContactKind {
	if c, ok := ar.Contacts[id]; ok && c.Kind != "" {
		return c.Kind
	}
	return locator.KindOf(id)
}

// rankings orders friends by active days then messages, and groups by
// messages then messages sent. Service accounts are left out of both.
func rankings(ar *pipeline.AccountResult, labels map[string]string, n int) (friends, groups []Ranked) {
	for id, cs := range ar.Stats.ByContact {
		r := Ranked{
			ID:         id,
			Label:      labels[id],
			HeadImage:  headImage(ar, id),
			Sent:       cs.Sent,
			Received:   cs.Received,
			Total:      cs.Total(),
			ActiveDays: cs.ActiveDays(),
		}
		switch kindOf(ar, id) {
		case wx.ContactIndividual:
			friends = append(friends, r)
		case wx.ContactGroup:
			groups = append(groups, r)
		}
	}

	sort.Slice(friends, func(i, j int) bool {
		a, b := friends[i], friends[j]
		if a.ActiveDays != b.ActiveDays {
			return a.ActiveDays > b.ActiveDays
		}
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.ID < b.ID
	})
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.Sent != b.Sent {
			return a.Sent > b.Sent
		}
		return a.ID < b.ID
	})
	return truncate(friends, n), truncate(groups, n)
}

func headImage(ar *pipeline.AccountResult, id string) string {
	if c, ok := ar.Contacts[id]; ok {
		return c.HeadImage
	}
	return ""
}

// connections counts the people met through groups joined in the period.
// Members are taken from the contacts index, so a group missing from it
// contributes nothing. The account itself is not counted.
func connections(ar *pipeline.AccountResult) int {
	people := make(map[string]struct{})
	for id := range ar.Stats.JoinedGroups {
		c, ok := ar.Contacts[id]
		if !ok {
			continue
		}
		for _, m := range c.Members {
			if m != ar.Account.ID {
				people[m] = struct{}{}
			}
		}
	}
	return len(people)
}

// clips takes the first n lines of the sample in the order they were
// received.
func clips(s *stats.AggregateStats, n int) []stats.Clip {
	out := []stats.Clip{}
	out = append(out, s.Clips[:min(n, len(s.Clips))]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func topStickers(s *stats.AggregateStats, n int) []Sticker {
	out := []Sticker{}
	for _, md5 := range s.TopStickers(n) {
		st := s.Stickers[md5]
		out = append(out, Sticker{
			MD5:           md5,
			URL:           st.URL,
			Count:         st.Count,
			Conversations: len(st.Conversations),
		})
	}
	return out
}

func truncate(r []Ranked, n int) []Ranked {
	if r == nil {
		return []Ranked{}
	}
	if len(r) > n {
		return r[:n]
	}
	return r
}
