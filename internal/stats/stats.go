// Package stats computes per-account message statistics in a single
// streaming pass and merges partial results.
package stats

import (
	"hash/fnv"
	"maps"
	"regexp"
	"slices"
	"sort"
	"time"
	"unicode/utf8"

	"wxannual/internal/wx"
)

// DayLayout is the key format of AggregateStats.ByDay.
const DayLayout = "2006-01-02"

// lateNightEnd is the first hour that no longer counts as late night.
const lateNightEnd = 6

// MaxClips bounds the sample of received lines kept per account.
const MaxClips = 32

// Clip length bounds, in characters after clipNoise is removed. Both are
// exclusive.
const (
	clipMinLen = 8
	clipMaxLen = 18
)

// clipNoise matches inline emoji codes such as "[Smile]" and whitespace.
var clipNoise = regexp.MustCompile(`\[.{2,4}\]|\s+`)

// ContactStats counts the messages exchanged in one conversation.
type ContactStats struct {
	Sent     int            `json:"sent"`
	Received int            `json:"received"`
	Days     map[string]int `json:"days"` // messages per day
}

// Total returns the number of messages in both directions.
func (c *ContactStats) Total() int { return c.Sent + c.Received }

// ActiveDays returns the number of distinct days with a message.
func (c *ContactStats) ActiveDays() int { return len(c.Days) }

// StickerStats counts uses of one sticker sent by the account.
type StickerStats struct {
	Count         int             `json:"count"`
	URL           string          `json:"url,omitempty"`
	Conversations map[string]bool `json:"-"`
}

// Clip is a short line received in a one-to-one conversation.
type Clip struct {
	ID             string    `json:"-"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// AggregateStats is the rollup of one account's messages.
type AggregateStats struct {
	Total    int `json:"total"`
	Sent     int `json:"sent"`
	Received int `json:"received"`

	ByDay     map[string]int           `json:"by_day"`
	ByHour    [24]int                  `json:"by_hour"`
	ByWeekday [7]int                   `json:"by_weekday"` // indexed by time.Weekday
	ByContact map[string]*ContactStats `json:"by_contact"`
	ByType    map[wx.MessageType]int   `json:"by_type"`
	Stickers  map[string]*StickerStats `json:"stickers"`

	LongestStreak int       `json:"longest_streak"`
	StreakStart   string    `json:"streak_start,omitempty"`
	StreakEnd     string    `json:"streak_end,omitempty"`
	First         time.Time `json:"first,omitzero"`
	Last          time.Time `json:"last,omitzero"`

	WordCount      int `json:"word_count"`
	LateNight      int `json:"late_night"`
	NewFriends     int `json:"new_friends"`
	DecodeWarnings int `json:"decode_warnings"`

	// JoinedGroups counts group invitation notices per group.
	JoinedGroups map[string]int `json:"joined_groups"`
	// Clips is a deterministic sample of at most MaxClips received lines,
	// independent of the order messages arrive in.
	Clips []Clip `json:"clips"`
}

// New returns a zero-valued AggregateStats with every map allocated.
func New() *AggregateStats {
	return &AggregateStats{
		ByDay:     make(map[string]int),
		ByContact: make(map[string]*ContactStats),
		ByType:    make(map[wx.MessageType]int),
		Stickers:  make(map[string]*StickerStats),

		JoinedGroups: make(map[string]int),
	}
}

// ActiveDays returns the number of distinct days with a message.
func (s *AggregateStats) ActiveDays() int { return len(s.ByDay) }

// Clone returns a deep copy of the stats.
func (s *AggregateStats) Clone() *AggregateStats {
	c := *s
	c.ByDay = maps.Clone(s.ByDay)
	c.ByType = maps.Clone(s.ByType)
	c.ByContact = make(map[string]*ContactStats, len(s.ByContact))
	for k, v := range s.ByContact {
		cs := *v
		cs.Days = maps.Clone(v.Days)
		c.ByContact[k] = &cs
	}
	c.Stickers = make(map[string]*StickerStats, len(s.Stickers))
	for k, v := range s.Stickers {
		st := *v
		st.Conversations = maps.Clone(v.Conversations)
		c.Stickers[k] = &st
	}
	if c.ByDay == nil {
		c.ByDay = make(map[string]int)
	}
	if c.ByType == nil {
		c.ByType = make(map[wx.MessageType]int)
	}
	c.JoinedGroups = maps.Clone(s.JoinedGroups)
	if c.JoinedGroups == nil {
		c.JoinedGroups = make(map[string]int)
	}
	c.Clips = slices.Clone(s.Clips)
	return &c
}

// Merge returns the combination of two disjoint partial results. Counters
// add, first and last take the extremes, and the streak is recomputed from
// the merged daily counts. Neither input is modified; Merge(a, b) and
// Merge(b, a) are equal.
func Merge(a, b *AggregateStats) *AggregateStats {
	out := a.Clone()
	out.add(b)
	return out
}

// add folds other into s in place.
func (s *AggregateStats) add(other *AggregateStats) {
	s.Total += other.Total
	s.Sent += other.Sent
	s.Received += other.Received
	s.WordCount += other.WordCount
	s.LateNight += other.LateNight
	s.NewFriends += other.NewFriends
	s.DecodeWarnings += other.DecodeWarnings

	for day, n := range other.ByDay {
		s.ByDay[day] += n
	}
	for i := range s.ByHour {
		s.ByHour[i] += other.ByHour[i]
	}
	for i := range s.ByWeekday {
		s.ByWeekday[i] += other.ByWeekday[i]
	}
	for typ, n := range other.ByType {
		s.ByType[typ] += n
	}
	for id, n := range other.JoinedGroups {
		s.JoinedGroups[id] += n
	}
	s.Clips = sampleClips(s.Clips, other.Clips)
	for id, oc := range other.ByContact {
		c := s.contact(id)
		c.Sent += oc.Sent
		c.Received += oc.Received
		for day, n := range oc.Days {
			c.Days[day] += n
		}
	}
	for md5, os := range other.Stickers {
		st := s.sticker(md5)
		st.Count += os.Count
		if st.URL == "" || (os.URL != "" && os.URL < st.URL) {
			st.URL = os.URL
		}
		for conv := range os.Conversations {
			st.Conversations[conv] = true
		}
	}

	if !other.First.IsZero() && (s.First.IsZero() || other.First.Before(s.First)) {
		s.First = other.First
	}
	if other.Last.After(s.Last) {
		s.Last = other.Last
	}
	s.computeStreak()
}

func (s *AggregateStats) contact(id string) *ContactStats {
	c, ok := s.ByContact[id]
	if !ok {
		c = &ContactStats{Days: make(map[string]int)}
		s.ByContact[id] = c
	}
	return c
}

func (s *AggregateStats) sticker(md5 string) *StickerStats {
	st, ok := s.Stickers[md5]
	if !ok {
		st = &StickerStats{Conversations: make(map[string]bool)}
		s.Stickers[md5] = st
	}
	return st
}

// clipText strips clipNoise from text and reports whether what remains
// is the length of a clip.
func clipText(text string) (string, bool) {
	t := clipNoise.ReplaceAllString(text, "")
	n := utf8.RuneCountInString(t)
	return t, n > clipMinLen && n < clipMaxLen
}

// sampleClips keeps the MaxClips clips whose IDs hash lowest. The result
// depends only on the set of clips, so partials merge in any order.
func sampleClips(a, b []Clip) []Clip {
	all := make([]Clip, 0, len(a)+len(b))
	all = append(append(all, a...), b...)
	sort.Slice(all, func(i, j int) bool {
		hi, hj := clipKey(all[i].ID), clipKey(all[j].ID)
		if hi != hj {
			return hi < hj
		}
		return all[i].ID < all[j].ID
	})
	all = slices.CompactFunc(all, func(x, y Clip) bool { return x.ID == y.ID })
	if len(all) == 0 {
		return nil
	}
	if len(all) > MaxClips {
		all = all[:MaxClips]
	}
	return all
}

func clipKey(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// computeStreak finds the longest run of consecutive calendar days in
// ByDay. Ties keep the earliest run.
func (s *AggregateStats) computeStreak() {
	s.LongestStreak, s.StreakStart, s.StreakEnd = 0, "", ""
	if len(s.ByDay) == 0 {
		return
	}

	days := make([]time.Time, 0, len(s.ByDay))
	for key, n := range s.ByDay {
		if n <= 0 {
			continue
		}
		d, err := time.Parse(DayLayout, key)
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	runStart, runLen := days[0], 1
	best, bestStart, bestEnd := 1, days[0], days[0]
	for i := 1; i < len(days); i++ {
		if days[i].Equal(days[i-1].AddDate(0, 0, 1)) {
			runLen++
		} else {
			runStart, runLen = days[i], 1
		}
		if runLen > best {
			best, bestStart, bestEnd = runLen, runStart, days[i]
		}
	}
	s.LongestStreak = best
	s.StreakStart = bestStart.Format(DayLayout)
	s.StreakEnd = bestEnd.Format(DayLayout)
}

// TopStickers returns sticker hashes ordered by use count, then by the
// number of conversations they were sent to, then by hash.
func (s *AggregateStats) TopStickers(n int) []string {
	keys := make([]string, 0, len(s.Stickers))
	for k := range s.Stickers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.Stickers[keys[i]], s.Stickers[keys[j]]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if len(a.Conversations) != len(b.Conversations) {
			return len(a.Conversations) > len(b.Conversations)
		}
		return keys[i] < keys[j]
	})
	if n >= 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
