package stats

import (
	"strings"
	"time"
	"unicode/utf8"

	"wxannual/internal/wx"
)

// Options configure an Aggregator.
type Options struct {
	// Location is the time zone for day, hour and weekday buckets.
	// Nil means UTC.
	Location *time.Location
	// ExcludeSystem drops system messages from every counter except
	// NewFriends and JoinedGroups.
	ExcludeSystem bool
}

// Aggregator is a single-pass reducer over messages of one account. It is
// not safe for concurrent use; give each worker its own and Merge them.
type Aggregator struct {
	opts  Options
	seen  map[string]struct{}
	stats *AggregateStats
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(opts Options) *Aggregator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Aggregator{
		opts:  opts,
		seen:  make(map[string]struct{}),
		stats: New(),
	}
}

// Add folds one message into the running statistics. It reports whether
// the message was counted; duplicates and excluded messages are not.
func (a *Aggregator) Add(m *wx.Message) bool {
	if _, dup := a.seen[m.ID]; dup {
		return false
	}
	a.seen[m.ID] = struct{}{}

	s := a.stats
	if m.FriendAdded {
		s.NewFriends++
	}
	if m.GroupJoined {
		s.JoinedGroups[m.ConversationID]++
	}
	if a.opts.ExcludeSystem && m.Type == wx.TypeSystem {
		return false
	}

	local := m.Timestamp.In(a.opts.Location)
	day := local.Format(DayLayout)

	s.Total++
	s.ByDay[day]++
	s.ByHour[local.Hour()]++
	s.ByWeekday[local.Weekday()]++
	s.ByType[m.Type]++
	if local.Hour() < lateNightEnd {
		s.LateNight++
	}

	c := s.contact(m.ConversationID)
	c.Days[day]++
	if m.Direction == wx.DirectionSent {
		s.Sent++
		c.Sent++
		a.addSent(m)
	} else {
		s.Received++
		c.Received++
		a.addReceived(m)
	}

	if s.First.IsZero() || m.Timestamp.Before(s.First) {
		s.First = m.Timestamp
	}
	if m.Timestamp.After(s.Last) {
		s.Last = m.Timestamp
	}
	return true
}

func (a *Aggregator) addSent(m *wx.Message) {
	s := a.stats
	switch m.Type {
	case wx.TypeText:
		s.WordCount += utf8.RuneCountInString(strings.TrimSpace(m.DecodedText))
	case wx.TypeSticker:
		if m.StickerMD5 == "" {
			return
		}
		st := s.sticker(m.StickerMD5)
		st.Count++
		st.Conversations[m.ConversationID] = true
		if st.URL == "" {
			st.URL = m.StickerURL
		}
	}
}

func (a *Aggregator) addReceived(m *wx.Message) {
	if m.Type != wx.TypeText || m.ConversationKind != wx.ConversationOneToOne {
		return
	}
	text, ok := clipText(m.DecodedText)
	if !ok {
		return
	}
	s := a.stats
	s.Clips = sampleClips(s.Clips, []Clip{{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Text:           text,
		Timestamp:      m.Timestamp,
	}})
}

// AddWarnings records rows the decoder skipped or degraded.
func (a *Aggregator) AddWarnings(n int) {
	a.stats.DecodeWarnings += n
}

// Merge folds a partial Aggregator of the same account into a. Counters
// are summed, so the partials must cover disjoint conversations: message
// IDs are scoped to their conversation, and every part of one conversation
// has to go through the same Aggregator to be deduplicated. Seen IDs are
// unioned so later Adds on a still dedupe.
func (a *Aggregator) Merge(other *Aggregator) {
	for id := range other.seen {
		a.seen[id] = struct{}{}
	}
	a.stats.add(other.stats)
}

// Seen returns the number of distinct message IDs observed.
func (a *Aggregator) Seen() int { return len(a.seen) }

// Reset clears all state so the Aggregator can serve the next account.
func (a *Aggregator) Reset() {
	a.seen = make(map[string]struct{})
	a.stats = New()
}

// Stats returns a snapshot of the statistics with the streak computed.
func (a *Aggregator) Stats() *AggregateStats {
	out := a.stats.Clone()
	out.computeStreak()
	return out
}
