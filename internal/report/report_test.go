package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"wxannual/internal/encryption"
	"wxannual/internal/manifest"
	"wxannual/internal/pipeline"
	"wxannual/internal/stats"
	"wxannual/internal/vault"
	"wxannual/internal/wx"
)

var generated = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func day(d, hour int) time.Time {
	return time.Date(2023, 6, d, hour, 0, 0, 0, time.UTC)
}

// sampleResult builds an account with two friends, a group, a service
// account and one conversation without a contact entry.
func sampleResult() *pipeline.Result {
	agg := stats.NewAggregator(stats.Options{})
	n := 0
	add := func(conv string, d int, dir wx.Direction) {
		n++
		agg.Add(&wx.Message{
			ID:             conv + "#s" + string(rune('a'+n)),
			ConversationID: conv,
			Timestamp:      day(d, 12),
			Direction:      dir,
			Type:           wx.TypeText,
			DecodedText:    "x",
		})
	}
	// alice: 3 days, 3 messages. bob: 1 day, 5 messages.
	add("wxid_alice", 1, wx.DirectionSent)
	add("wxid_alice", 2, wx.DirectionReceived)
	add("wxid_alice", 3, wx.DirectionSent)
	for range 5 {
		add("wxid_bob", 4, wx.DirectionReceived)
	}
	// groups: family 4 messages, work 4 messages with more sent.
	for range 3 {
		add("111@chatroom", 5, wx.DirectionReceived)
	}
	add("111@chatroom", 5, wx.DirectionSent)
	add("222@chatroom", 6, wx.DirectionSent)
	add("222@chatroom", 6, wx.DirectionSent)
	add("222@chatroom", 6, wx.DirectionReceived)
	add("222@chatroom", 6, wx.DirectionReceived)
	add("gh_news", 7, wx.DirectionReceived)
	add("wxid_stranger", 7, wx.DirectionReceived)

	sticker := &wx.Message{ID: "wxid_alice#sticker", ConversationID: "wxid_alice", Timestamp: day(3, 13),
		Direction: wx.DirectionSent, Type: wx.TypeSticker, StickerMD5: "abc", StickerURL: "http://e/abc"}
	agg.Add(sticker)

	return &pipeline.Result{
		Backup: &manifest.Info{DeviceName: "Test iPhone"},
		Accounts: []*pipeline.AccountResult{{
			Account: wx.Account{ID: "wxid_owner", Hash: "h", DisplayName: "Owner"},
			Contacts: map[string]*wx.Contact{
				"wxid_alice":   {ID: "wxid_alice", Nickname: "Alice", Kind: wx.ContactIndividual},
				"wxid_bob":     {ID: "wxid_bob", Nickname: "Bob", Remark: "Bobby", Kind: wx.ContactIndividual},
				"111@chatroom": {ID: "111@chatroom", Nickname: "Family", Kind: wx.ContactGroup},
				"222@chatroom": {ID: "222@chatroom", Nickname: "Work", Kind: wx.ContactGroup},
				"gh_news":      {ID: "gh_news", Nickname: "News", Kind: wx.ContactService},
			},
			Sessions: pipeline.SessionCounts{Total: 4, Individual: 3, Group: 1},
			Stats:    agg.Stats(),
		}},
		Skipped: []wx.Skip{
			{Scope: wx.ScopeConversation, AccountID: "wxid_owner", ConversationID: "c1", Reason: "store is corrupt"},
			{Scope: wx.ScopeAccount, AccountID: "wxid_other", Reason: "store is corrupt"},
		},
	}
}

func TestBuild(t *testing.T) {
	sets := Build(sampleResult(), Meta{RunID: "run-1", GeneratedAt: generated, Year: 2023, Timezone: "UTC"})
	if len(sets) != 1 {
		t.Fatalf("len(Build()) = %d, want 1", len(sets))
	}
	ds := sets[0]

	if ds.Account.ID != "wxid_owner" || ds.RunID != "run-1" || ds.Backup.DeviceName != "Test iPhone" {
		t.Errorf("header = %+v", ds)
	}
	if got := ds.Labels["wxid_bob"]; got != "Bobby" {
		t.Errorf("label bob = %q, want Bobby", got)
	}
	if got := ds.Labels["wxid_stranger"]; got != "wxid_stranger" {
		t.Errorf("label stranger = %q, want the id", got)
	}

	var friendIDs []string
	for _, r := range ds.TopFriends {
		friendIDs = append(friendIDs, r.ID)
	}
	if strings.Join(friendIDs, ",") != "wxid_alice,wxid_bob,wxid_stranger" {
		t.Errorf("TopFriends = %v", friendIDs)
	}
	if ds.TopFriends[0].ActiveDays != 3 || ds.TopFriends[1].Total != 5 {
		t.Errorf("TopFriends = %+v", ds.TopFriends)
	}

	if len(ds.TopGroups) != 2 || ds.TopGroups[0].ID != "222@chatroom" || ds.TopGroups[0].Label != "Work" {
		t.Errorf("TopGroups = %+v, want Work first on sent", ds.TopGroups)
	}

	if len(ds.TopStickers) != 1 || ds.TopStickers[0].MD5 != "abc" || ds.TopStickers[0].Conversations != 1 {
		t.Errorf("TopStickers = %+v", ds.TopStickers)
	}
	if len(ds.Skipped) != 1 || ds.Skipped[0].ConversationID != "c1" {
		t.Errorf("Skipped = %+v, want only this account's skip", ds.Skipped)
	}
	if ds.ActiveDays != 7 {
		t.Errorf("ActiveDays = %d, want 7", ds.ActiveDays)
	}
}

func TestBuild_NewGroupsAndClips(t *testing.T) {
	agg := stats.NewAggregator(stats.Options{})
	for i, g := range []string{"111@chatroom", "222@chatroom", "333@chatroom", "111@chatroom"} {
		agg.Add(&wx.Message{ID: fmt.Sprintf("%s#s%d", g, i), ConversationID: g, ConversationKind: wx.ConversationGroup,
			Timestamp: day(1, 9), Direction: wx.DirectionReceived, Type: wx.TypeSystem, GroupJoined: true})
	}
	lines := []string{"see you at the gate", "bring the umbrella", "that was very funny", "call me back later", "the train is late again"}
	for i, text := range lines {
		agg.Add(&wx.Message{ID: fmt.Sprintf("wxid_alice#s%d", i), ConversationID: "wxid_alice", ConversationKind: wx.ConversationOneToOne,
			Timestamp: day(2+i, 9), Direction: wx.DirectionReceived, Type: wx.TypeText, DecodedText: text})
	}

	res := &pipeline.Result{Accounts: []*pipeline.AccountResult{{
		Account: wx.Account{ID: "wxid_owner"},
		Contacts: map[string]*wx.Contact{
			"wxid_alice":   {ID: "wxid_alice", Kind: wx.ContactIndividual, HeadImage: "https://wx.qlogo.cn/mmhead/ver_1/alice/132"},
			"111@chatroom": {ID: "111@chatroom", Kind: wx.ContactGroup, Members: []string{"wxid_owner", "wxid_a", "wxid_b"}},
			"222@chatroom": {ID: "222@chatroom", Kind: wx.ContactGroup, Members: []string{"wxid_owner", "wxid_b", "wxid_c"}},
		},
		Stats: agg.Stats(),
	}}}
	ds := Build(res, Meta{})[0]

	if ds.NewGroups != 3 {
		t.Errorf("NewGroups = %d, want 3 distinct groups", ds.NewGroups)
	}
	if ds.NewConnections != 3 {
		t.Errorf("NewConnections = %d, want 3 (a, b, c; the owner and the unknown group add none)", ds.NewConnections)
	}
	if len(ds.Clips) != DefaultClips {
		t.Fatalf("len(Clips) = %d, want %d", len(ds.Clips), DefaultClips)
	}
	for i := 1; i < len(ds.Clips); i++ {
		if ds.Clips[i].Timestamp.Before(ds.Clips[i-1].Timestamp) {
			t.Errorf("Clips not in time order: %+v", ds.Clips)
		}
	}
	if len(ds.TopFriends) != 1 || ds.TopFriends[0].HeadImage != "https://wx.qlogo.cn/mmhead/ver_1/alice/132" {
		t.Errorf("TopFriends = %+v, want alice with a head image", ds.TopFriends)
	}
}

func TestBuild_TopN(t *testing.T) {
	sets := Build(sampleResult(), Meta{TopN: 1})
	if len(sets[0].TopFriends) != 1 || len(sets[0].TopGroups) != 1 {
		t.Errorf("TopN=1 gave %d friends and %d groups", len(sets[0].TopFriends), len(sets[0].TopGroups))
	}
}

func TestBuild_EmptyAccount(t *testing.T) {
	res := &pipeline.Result{Accounts: []*pipeline.AccountResult{{
		Account: wx.Account{ID: "wxid_quiet"},
		Stats:   stats.New(),
	}}}
	ds := Build(res, Meta{RunID: "r"})[0]

	var buf bytes.Buffer
	if err := Encode(&buf, ds); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"top_friends", "top_groups", "top_stickers", "clips", "skipped", "labels"} {
		if v, ok := raw[key]; !ok || v == nil {
			t.Errorf("%s = %v, want an empty collection", key, v)
		}
	}
}

func TestPublishFetch(t *testing.T) {
	ds := Build(sampleResult(), Meta{RunID: "run-9", GeneratedAt: generated})[0]

	tests := []struct {
		name    string
		enc     wx.Encryptor
		wantKey string
	}{
		{"plain", nil, "wxid_owner/run-9.json"},
		{"sealed", encryption.NewTestEncryptor(), "wxid_owner/run-9.json.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := vault.NewMemoryVault("test")
			key, err := Publish(v, tt.enc, ds)
			if err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}

			var u wx.Unsealer
			if tt.enc != nil {
				u, _ = tt.enc.Unlock("")
			}
			got, err := Fetch(v, key, u)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if got.Stats.Total != ds.Stats.Total || got.Labels["wxid_bob"] != "Bobby" {
				t.Errorf("fetched dataset = %+v", got)
			}
			if !got.GeneratedAt.Equal(generated) {
				t.Errorf("GeneratedAt = %v", got.GeneratedAt)
			}
		})
	}
}
