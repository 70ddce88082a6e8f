package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"wxannual/internal/decoder"
	"wxannual/internal/fs"
	"wxannual/internal/testutil"
	"wxannual/internal/wx"
)

var day1 = time.Date(2023, 4, 10, 8, 0, 0, 0, time.UTC)

func ts(days, hours int) int64 {
	return day1.AddDate(0, 0, days).Add(time.Duration(hours) * time.Hour).Unix()
}

func newPipeline(opts Options) *Pipeline {
	dec := decoder.New(wx.NewNopLogger(),
		decoder.WithClock(testutil.NewStubClock(day1.AddDate(1, 0, 0))),
		decoder.WithOpenTimeout(2*time.Second))
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	return New(dec, wx.NewNopLogger(), opts)
}

// twoConversations is one account with five texts over two days in one
// conversation and three messages on a third day in another. The session
// list adds a group, a service account and a stranger.
func twoConversations(t *testing.T) *testutil.Backup {
	t.Helper()

	b := testutil.NewBackup(t)
	b.WriteInfo("Test iPhone", "17.1")
	a := b.AddAccount("wxid_owner01", "Owner")
	a.AddContacts(
		testutil.ContactRow{UserName: "wxid_alice", Type: 3, Nickname: "Alice"},
		testutil.ContactRow{UserName: "wxid_bob", Type: 3, Nickname: "Bob", Remark: "Bobby"},
	)
	a.AddMessageStore(1, map[string][]testutil.MessageRow{
		"wxid_alice": {
			{ServerID: 1, CreateTime: ts(0, 0), Type: 1, Des: 0, Message: "one"},
			{ServerID: 2, CreateTime: ts(0, 1), Type: 1, Des: 1, Message: "two"},
			{ServerID: 3, CreateTime: ts(0, 2), Type: 1, Des: 0, Message: "three"},
			{ServerID: 4, CreateTime: ts(1, 0), Type: 1, Des: 1, Message: "four"},
			{ServerID: 5, CreateTime: ts(1, 1), Type: 1, Des: 0, Message: "five"},
		},
	})
	a.AddChatStore("wxid_bob", []testutil.MessageRow{
		{ServerID: 11, CreateTime: ts(2, 0), Type: 1, Des: 1, Message: "hey"},
		{ServerID: 12, CreateTime: ts(2, 1), Type: 3, Des: 0, Message: "<msg><img/></msg>"},
		{ServerID: 13, CreateTime: ts(2, 2), Type: 1, Des: 0, Message: "bye"},
	})
	a.AddSessions(
		testutil.SessionRow{UserName: "wxid_alice", CreateTime: ts(0, 0)},
		testutil.SessionRow{UserName: "wxid_bob", CreateTime: ts(2, 0)},
		testutil.SessionRow{UserName: "1234@chatroom", CreateTime: ts(2, 0)},
		testutil.SessionRow{UserName: "gh_news", CreateTime: ts(2, 0)},
		testutil.SessionRow{UserName: "wxid_stranger", CreateTime: ts(2, 0)},
	)
	return b
}

func TestPipeline_Run(t *testing.T) {
	b := twoConversations(t)

	res, err := newPipeline(Options{ExcludeSystem: true}).Run(context.Background(), b.Root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Skipped) != 0 {
		t.Errorf("Skipped = %+v, want none", res.Skipped)
	}
	if len(res.Accounts) != 1 {
		t.Fatalf("len(Accounts) = %d, want 1", len(res.Accounts))
	}
	if res.Backup == nil || res.Backup.DeviceName != "Test iPhone" {
		t.Errorf("Backup = %+v", res.Backup)
	}

	ar := res.Accounts[0]
	s := ar.Stats
	if s.Total != 8 || res.Messages() != 8 {
		t.Errorf("Total = %d, want 8", s.Total)
	}
	want := map[string]int{"2023-04-10": 3, "2023-04-11": 2, "2023-04-12": 3}
	for day, n := range want {
		if s.ByDay[day] != n {
			t.Errorf("ByDay[%s] = %d, want %d", day, s.ByDay[day], n)
		}
	}
	if len(s.ByDay) != 3 {
		t.Errorf("ByDay = %v", s.ByDay)
	}
	if s.LongestStreak != 3 {
		t.Errorf("LongestStreak = %d, want 3", s.LongestStreak)
	}
	if s.ByContact["wxid_alice"].Sent != 3 || s.ByContact["wxid_bob"].Received != 1 {
		t.Errorf("ByContact = alice %+v bob %+v", s.ByContact["wxid_alice"], s.ByContact["wxid_bob"])
	}
	if len(ar.Conversations) != 2 || ar.Conversations[0].ID != "wxid_alice" {
		t.Errorf("Conversations = %+v", ar.Conversations)
	}
	if ar.Contacts["wxid_bob"].Label() != "Bobby" {
		t.Errorf("bob label = %q", ar.Contacts["wxid_bob"].Label())
	}
	if ar.Sessions != (SessionCounts{Total: 5, Individual: 2, Group: 1, Service: 1}) {
		t.Errorf("Sessions = %+v", ar.Sessions)
	}
}

func TestPipeline_Run_Encrypted(t *testing.T) {
	b := twoConversations(t)
	b.WriteManifestPlist(true)

	res, err := newPipeline(Options{}).Run(context.Background(), b.Root)
	if !errors.Is(err, wx.ErrBackupEncrypted) {
		t.Fatalf("Run() error = %v, want BackupEncrypted", err)
	}
	if res != nil {
		t.Errorf("Run() result = %+v, want nil", res)
	}
}

func TestPipeline_Run_Preconditions(t *testing.T) {
	t.Run("missing manifest", func(t *testing.T) {
		_, err := newPipeline(Options{}).Run(context.Background(), t.TempDir())
		if !errors.Is(err, wx.ErrManifestNotFound) {
			t.Errorf("error = %v, want ManifestNotFound", err)
		}
	})

	t.Run("no accounts", func(t *testing.T) {
		b := testutil.NewBackup(t)
		_, err := newPipeline(Options{}).Run(context.Background(), b.Root)
		if !errors.Is(err, wx.ErrNoAccountsFound) {
			t.Errorf("error = %v, want NoAccountsFound", err)
		}
	})
}

func TestPipeline_Run_PartialFailures(t *testing.T) {
	b := testutil.NewBackup(t)

	good := b.AddAccount("wxid_good0001", "Good")
	good.AddContacts(testutil.ContactRow{UserName: "wxid_alice", Type: 3})
	good.AddChatStore("wxid_alice", []testutil.MessageRow{
		{ServerID: 1, CreateTime: ts(0, 0), Type: 1, Message: "hi"},
	})
	good.AddCorruptMessageStore(2)

	bad := b.AddAccount("wxid_bad00001", "Bad")
	bad.AddCorruptContacts()
	bad.AddChatStore("wxid_carol", []testutil.MessageRow{
		{ServerID: 1, CreateTime: ts(0, 0), Type: 1, Message: "hi"},
	})

	res, err := newPipeline(Options{}).Run(context.Background(), b.Root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Accounts) != 1 || res.Accounts[0].Account.ID != "wxid_good0001" {
		t.Fatalf("Accounts = %+v", res.Accounts)
	}
	if res.Accounts[0].Stats.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Accounts[0].Stats.Total)
	}

	var accountSkip, storeSkip bool
	for _, s := range res.Skipped {
		switch {
		case s.Scope == wx.ScopeAccount && s.AccountID == "wxid_bad00001":
			accountSkip = true
		case s.Scope == wx.ScopeStore && s.AccountID == "wxid_good0001" && strings.HasSuffix(s.Path, "message_2.sqlite"):
			storeSkip = true
		}
	}
	if !accountSkip || !storeSkip {
		t.Errorf("Skipped = %+v, want an account skip and a store skip", res.Skipped)
	}
}

func TestPipeline_Run_AccountFilter(t *testing.T) {
	b := testutil.NewBackup(t)
	for _, id := range []string{"wxid_first001", "wxid_second01"} {
		a := b.AddAccount(id, id)
		a.AddContacts()
		a.AddChatStore("wxid_x", []testutil.MessageRow{{ServerID: 1, CreateTime: ts(0, 0), Type: 1, Message: "x"}})
	}

	tests := []struct {
		name    string
		filter  string
		want    string
		wantErr error
	}{
		{"by id", "wxid_second01", "wxid_second01", nil},
		{"by hash", strings.ToUpper(testutil.MD5("wxid_first001")), "wxid_first001", nil},
		{"no match", "wxid_nobody", "", wx.ErrNoAccountsFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newPipeline(Options{AccountFilter: tt.filter}).Run(context.Background(), b.Root)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(res.Accounts) != 1 || res.Accounts[0].Account.ID != tt.want {
				t.Errorf("Accounts = %+v, want only %s", res.Accounts, tt.want)
			}
		})
	}
}

func TestPipeline_Run_Exclude(t *testing.T) {
	b := twoConversations(t)

	res, err := newPipeline(Options{Exclude: fs.NewExcludeMatcher([]string{"label:Bobby"})}).Run(context.Background(), b.Root)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ar := res.Accounts[0]
	if ar.Excluded != 1 || ar.Stats.Total != 5 {
		t.Errorf("Excluded = %d Total = %d, want 1 and 5", ar.Excluded, ar.Stats.Total)
	}
	if _, ok := ar.Stats.ByContact["wxid_bob"]; ok {
		t.Error("excluded conversation counted")
	}
}

func TestPipeline_Run_ThreadAcrossStores(t *testing.T) {
	b := testutil.NewBackup(t)
	a := b.AddAccount("wxid_owner01", "Owner")
	a.AddContacts(testutil.ContactRow{UserName: "wxid_alice", Type: 3, Nickname: "Alice"})
	rows := []testutil.MessageRow{
		{ServerID: 1, CreateTime: ts(0, 0), Type: 1, Des: 0, Message: "one"},
		{ServerID: 2, CreateTime: ts(0, 1), Type: 1, Des: 1, Message: "two"},
	}
	a.AddMessageStore(1, map[string][]testutil.MessageRow{"wxid_alice": rows})
	a.AddMessageStore(2, map[string][]testutil.MessageRow{"wxid_alice": append(rows,
		testutil.MessageRow{ServerID: 3, CreateTime: ts(1, 0), Type: 1, Des: 1, Message: "three"})})

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			res, err := newPipeline(Options{Workers: workers}).Run(context.Background(), b.Root)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			ar := res.Accounts[0]
			if ar.Stats.Total != 3 {
				t.Errorf("Total = %d, want 3 (rows copied into both stores count once)", ar.Stats.Total)
			}
			alice := ar.Stats.ByContact["wxid_alice"]
			if alice == nil || alice.Sent != 1 || alice.Received != 2 {
				t.Errorf("ByContact[wxid_alice] = %+v, want 1 sent 2 received", alice)
			}
			if ar.Stats.ByDay["2023-04-10"] != 2 {
				t.Errorf("ByDay = %v", ar.Stats.ByDay)
			}
			if len(ar.Conversations) != 2 {
				t.Errorf("Conversations = %d parts, want 2", len(ar.Conversations))
			}
		})
	}
}

// fakeLocator serves a fixed account and conversation list.
type fakeLocator struct {
	accounts []*wx.AccountStores
	convs    []*wx.Conversation
}

func (f *fakeLocator) Accounts(context.Context) ([]*wx.AccountStores, error) {
	return f.accounts, nil
}

func (f *fakeLocator) Contacts(context.Context, *wx.AccountStores) (map[string]*wx.Contact, error) {
	return map[string]*wx.Contact{}, nil
}

func (f *fakeLocator) Conversations(_ context.Context, stores *wx.AccountStores, _ map[string]*wx.Contact) ([]*wx.Conversation, []wx.Skip) {
	var out []*wx.Conversation
	for _, c := range f.convs {
		if c.AccountID == stores.Account.ID {
			out = append(out, c)
		}
	}
	return out, nil
}

// blockingDecoder opens streams that yield one message and then block
// until their context ends.
type blockingDecoder struct {
	mu     sync.Mutex
	opened int
	ready  chan struct{}
}

func (d *blockingDecoder) Open(ctx context.Context, conv *wx.Conversation) (wx.MessageStream, error) {
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	d.ready <- struct{}{}
	return &blockingStream{ctx: ctx, conv: conv}, nil
}

type blockingStream struct {
	ctx  context.Context
	conv *wx.Conversation
	sent bool
	err  error
}

func (s *blockingStream) Next() bool {
	if !s.sent {
		s.sent = true
		return true
	}
	<-s.ctx.Done()
	s.err = s.ctx.Err()
	return false
}

func (s *blockingStream) Message() *wx.Message {
	return &wx.Message{ID: s.conv.ID + "#s1", ConversationID: s.conv.ID, Timestamp: day1, Type: wx.TypeText}
}

func (s *blockingStream) Err() error    { return s.err }
func (s *blockingStream) Warnings() int { return 0 }
func (s *blockingStream) Close() error  { return nil }

func TestPipeline_Extract_Cancel(t *testing.T) {
	loc := &fakeLocator{
		accounts: []*wx.AccountStores{
			{Account: wx.Account{ID: "wxid_a"}},
			{Account: wx.Account{ID: "wxid_b"}},
		},
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		loc.convs = append(loc.convs, &wx.Conversation{ID: id, AccountID: "wxid_a"})
	}
	dec := &blockingDecoder{ready: make(chan struct{})}
	p := New(dec, wx.NewNopLogger(), Options{Workers: 1, GracePeriod: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-dec.ready
		cancel()
	}()

	res, err := p.Extract(ctx, loc)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v, want context.Canceled", err)
	}
	if dec.opened != 1 {
		t.Errorf("opened = %d, want 1 (no dispatch after cancel)", dec.opened)
	}
	if len(res.Accounts) != 1 || res.Accounts[0].Stats.Total != 0 {
		t.Errorf("Accounts = %+v, want one account with the aborted partial discarded", res.Accounts)
	}

	reasons := map[string]string{}
	for _, s := range res.Skipped {
		reasons[s.AccountID+"/"+s.ConversationID] = s.Reason
	}
	for _, key := range []string{"wxid_a/c1", "wxid_a/c2", "wxid_a/c3", "wxid_b/"} {
		if reasons[key] != "run cancelled" {
			t.Errorf("skip %s reason = %q, want run cancelled", key, reasons[key])
		}
	}
}

// countingDecoder tracks how many streams are open at once.
type countingDecoder struct {
	mu       sync.Mutex
	open     int
	maxOpen  int
	finished int
}

func (d *countingDecoder) Open(_ context.Context, conv *wx.Conversation) (wx.MessageStream, error) {
	d.mu.Lock()
	d.open++
	d.maxOpen = max(d.maxOpen, d.open)
	d.mu.Unlock()
	return &countingStream{dec: d, conv: conv}, nil
}

type countingStream struct {
	dec  *countingDecoder
	conv *wx.Conversation
	sent bool
}

func (s *countingStream) Next() bool {
	if s.sent {
		return false
	}
	s.sent = true
	time.Sleep(5 * time.Millisecond)
	return true
}

func (s *countingStream) Message() *wx.Message {
	return &wx.Message{ID: s.conv.ID + "#s1", ConversationID: s.conv.ID, Timestamp: day1, Type: wx.TypeText}
}

func (s *countingStream) Err() error    { return nil }
func (s *countingStream) Warnings() int { return 0 }

func (s *countingStream) Close() error {
	s.dec.mu.Lock()
	s.dec.open--
	s.dec.finished++
	s.dec.mu.Unlock()
	return nil
}

func TestPipeline_Extract_WorkerLimit(t *testing.T) {
	tests := []struct {
		workers int
		convs   int
	}{
		{1, 4},
		{2, 8},
		{3, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d workers %d conversations", tt.workers, tt.convs), func(t *testing.T) {
			loc := &fakeLocator{accounts: []*wx.AccountStores{{Account: wx.Account{ID: "wxid_a"}}}}
			for i := range tt.convs {
				loc.convs = append(loc.convs, &wx.Conversation{ID: fmt.Sprintf("c%d", i), AccountID: "wxid_a"})
			}
			dec := &countingDecoder{}

			res, err := New(dec, wx.NewNopLogger(), Options{Workers: tt.workers}).Extract(context.Background(), loc)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if dec.maxOpen > tt.workers {
				t.Errorf("max open streams = %d, want <= %d", dec.maxOpen, tt.workers)
			}
			if dec.finished != tt.convs || res.Accounts[0].Stats.Total != tt.convs {
				t.Errorf("finished = %d Total = %d, want %d", dec.finished, res.Accounts[0].Stats.Total, tt.convs)
			}
		})
	}
}
