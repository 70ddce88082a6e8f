// Package pipeline runs one extraction: accounts are processed in turn,
// and the conversations of each account are decoded by a bounded pool of
// workers whose partial statistics are folded by a single coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"wxannual/internal/fs"
	"wxannual/internal/locator"
	"wxannual/internal/manifest"
	"wxannual/internal/stats"
	"wxannual/internal/wx"
)

// DefaultGracePeriod is how long in-flight workers may keep running after
// the run is cancelled.
const DefaultGracePeriod = 3 * time.Second

// Options configure a Pipeline.
type Options struct {
	ExcludeSystem bool
	Workers       int            // <= 0 means runtime.NumCPU()
	AccountFilter string         // account ID or namespace hash; empty means all
	Location      *time.Location // bucketing zone for statistics; nil means UTC
	From, To      time.Time      // session window; zero bounds are open
	OpenTimeout   time.Duration
	GracePeriod   time.Duration
	Exclude       *fs.ExcludeMatcher
}

// SessionCounts summarizes the session list within the window. Individual
// only counts people in the contact directory; strangers are in Total
// alone.
type SessionCounts struct {
	Total      int `json:"total"`
	Individual int `json:"individual"`
	Group      int `json:"group"`
	Service    int `json:"service"`
}

// AccountResult is the finished statistics of one account.
type AccountResult struct {
	Account       wx.Account
	Contacts      map[string]*wx.Contact
	Conversations []*wx.Conversation // conversations that contributed
	Excluded      int
	Sessions      SessionCounts
	Stats         *stats.AggregateStats
}

// Result is the outcome of one run.
type Result struct {
	Backup   *manifest.Info
	Accounts []*AccountResult
	Skipped  []wx.Skip
}

// Messages returns the number of messages counted across all accounts.
func (r *Result) Messages() int {
	n := 0
	for _, a := range r.Accounts {
		n += a.Stats.Total
	}
	return n
}

// sessionLister is implemented by locators that can read the session list.
type sessionLister interface {
	Sessions(ctx context.Context, stores *wx.AccountStores, since, until time.Time) ([]locator.Session, error)
}

// Pipeline coordinates the locator, decoder and aggregator.
type Pipeline struct {
	decoder wx.MessageDecoder
	logger  wx.Logger
	opts    Options
}

// New creates a Pipeline.
func New(decoder wx.MessageDecoder, logger wx.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = wx.NewNopLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Pipeline{decoder: decoder, logger: logger, opts: opts}
}

// Run opens the backup at root and extracts every account in it. The
// backup preconditions are checked before any account is enumerated.
func (p *Pipeline) Run(ctx context.Context, root string) (*Result, error) {
	index, err := manifest.Open(ctx, root)
	if err != nil {
		return nil, err
	}
	defer index.Close()
	if n, err := index.Count(); err == nil {
		p.logger.Debug("manifest opened", "root", root, "entries", n)
	}

	info, err := manifest.ReadInfo(root)
	if err != nil {
		p.logger.Warn("reading backup info", "root", root, "error", err)
	}

	var locOpts []locator.Option
	if p.opts.OpenTimeout > 0 {
		locOpts = append(locOpts, locator.WithOpenTimeout(p.opts.OpenTimeout))
	}
	res, err := p.Extract(ctx, locator.New(index, p.logger, locOpts...))
	if res != nil {
		res.Backup = info
	}
	return res, err
}

// Extract processes every account the locator finds. A cancelled context
// returns the accounts finished so far together with the context error.
func (p *Pipeline) Extract(ctx context.Context, loc wx.StoreLocator) (*Result, error) {
	accounts, err := loc.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err = p.filter(accounts)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for i, stores := range accounts {
		if err := ctx.Err(); err != nil {
			for _, rest := range accounts[i:] {
				res.Skipped = append(res.Skipped, p.skip(wx.Skip{
					Scope:     wx.ScopeAccount,
					AccountID: rest.Account.ID,
					Reason:    "run cancelled",
				}))
			}
			return res, err
		}

		ar, skips := p.account(ctx, loc, stores)
		res.Skipped = append(res.Skipped, skips...)
		if ar != nil {
			res.Accounts = append(res.Accounts, ar)
		}
	}
	return res, ctx.Err()
}

func (p *Pipeline) filter(accounts []*wx.AccountStores) ([]*wx.AccountStores, error) {
	if p.opts.AccountFilter == "" {
		return accounts, nil
	}
	want := strings.ToLower(p.opts.AccountFilter)
	for _, a := range accounts {
		if a.Account.ID == p.opts.AccountFilter || a.Account.Hash == want {
			return []*wx.AccountStores{a}, nil
		}
	}
	return nil, fmt.Errorf("account %q: %w", p.opts.AccountFilter, wx.ErrNoAccountsFound)
}

// account extracts one account. It returns nil when the account had to be
// skipped as a whole.
func (p *Pipeline) account(ctx context.Context, loc wx.StoreLocator, stores *wx.AccountStores) (*AccountResult, []wx.Skip) {
	acct := stores.Account
	p.logger.Info("extracting account", "account", acct.ID, "stores", len(stores.MessageStores))

	if stores.Contacts == nil {
		p.logger.Warn("contacts index missing, conversations will be unlabeled", "account", acct.ID)
	}
	contacts, err := loc.Contacts(ctx, stores)
	if err != nil {
		return nil, []wx.Skip{p.skip(wx.Skip{
			Scope:     wx.ScopeAccount,
			AccountID: acct.ID,
			Path:      pathOf(stores.Contacts),
			Reason:    err.Error(),
		})}
	}

	convs, skips := loc.Conversations(ctx, stores, contacts)
	for i := range skips {
		skips[i] = p.skip(skips[i])
	}

	ar := &AccountResult{Account: acct, Contacts: contacts}
	convs = p.excluded(convs, contacts, ar)

	agg, used, convSkips := p.conversations(ctx, convs)
	skips = append(skips, convSkips...)
	ar.Conversations = used
	ar.Stats = agg.Stats()
	ar.Sessions = p.sessions(ctx, loc, stores, contacts)

	p.logger.Info("account extracted",
		"account", acct.ID,
		"conversations", len(used),
		"messages", ar.Stats.Total,
		"warnings", ar.Stats.DecodeWarnings,
	)
	return ar, skips
}

// excluded drops conversations whose contact matches the exclusion list.
func (p *Pipeline) excluded(convs []*wx.Conversation, contacts map[string]*wx.Contact, ar *AccountResult) []*wx.Conversation {
	if p.opts.Exclude.Empty() {
		return convs
	}
	kept := convs[:0:0]
	for _, c := range convs {
		label := c.ID
		if contact, ok := contacts[c.ID]; ok {
			label = contact.Label()
		}
		if p.opts.Exclude.Match(c.ID, label) {
			ar.Excluded++
			p.logger.Debug("conversation excluded", "account", c.AccountID, "conversation", c.ID)
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// outcome is what a worker hands to the coordinator for one thread.
type outcome struct {
	used    []*wx.Conversation
	partial *stats.Aggregator
	skips   []wx.Skip
}

// threads groups conversations by ID. One thread may be split across
// several stores, and a row copied into more than one of them must only be
// counted once, so all parts of a thread are decoded into one partial.
func threads(convs []*wx.Conversation) [][]*wx.Conversation {
	var (
		out [][]*wx.Conversation
		idx = make(map[string]int, len(convs))
	)
	for _, c := range convs {
		i, ok := idx[c.ID]
		if !ok {
			i = len(out)
			idx[c.ID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], c)
	}
	return out
}

// conversations decodes convs with at most Workers threads in flight.
// Partials are folded by one coordinator goroutine. After ctx is cancelled
// no new thread is started; in-flight ones are aborted once the grace
// period elapses, and aborted parts are discarded.
func (p *Pipeline) conversations(ctx context.Context, convs []*wx.Conversation) (*stats.Aggregator, []*wx.Conversation, []wx.Skip) {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(p.opts.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stop()

	total := p.newAggregator()
	var (
		used  []*wx.Conversation
		skips []wx.Skip
	)
	outcomes := make(chan outcome)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for o := range outcomes {
			for _, s := range o.skips {
				skips = append(skips, p.skip(s))
			}
			if o.partial != nil {
				total.Merge(o.partial)
			}
			used = append(used, o.used...)
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)
	units := threads(convs)
	for i, thread := range units {
		if ctx.Err() != nil {
			for _, rest := range units[i:] {
				outcomes <- cancelled(rest)
			}
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes <- cancelled(thread)
				return nil
			}
			outcomes <- p.decode(ctx, workCtx, thread)
			return nil
		})
	}
	g.Wait()
	close(outcomes)
	<-done

	sort.Slice(used, func(i, j int) bool {
		if used[i].ID != used[j].ID {
			return used[i].ID < used[j].ID
		}
		return used[i].Store.RelativePath < used[j].Store.RelativePath
	})
	sort.Slice(skips, func(i, j int) bool {
		if skips[i].ConversationID != skips[j].ConversationID {
			return skips[i].ConversationID < skips[j].ConversationID
		}
		return skips[i].Path < skips[j].Path
	})
	return total, used, skips
}

func cancelled(thread []*wx.Conversation) outcome {
	var o outcome
	for _, conv := range thread {
		o.skips = append(o.skips, convSkip(conv, "run cancelled"))
	}
	return o
}

// decode runs every part of one thread into a fresh partial. A part that
// fails contributes nothing; the other parts still count.
func (p *Pipeline) decode(runCtx, workCtx context.Context, thread []*wx.Conversation) outcome {
	var o outcome
	partial := p.newAggregator()
	for _, conv := range thread {
		msgs, warnings, err := p.read(workCtx, conv)
		if err != nil {
			o.skips = append(o.skips, convSkip(conv, reason(runCtx, err)))
			continue
		}
		for _, m := range msgs {
			partial.Add(m)
		}
		partial.AddWarnings(warnings)
		o.used = append(o.used, conv)
	}
	if len(o.used) > 0 {
		o.partial = partial
	}
	return o
}

// read drains one conversation table. Nothing is returned on error so an
// aborted table never leaves half its rows in the statistics.
func (p *Pipeline) read(ctx context.Context, conv *wx.Conversation) ([]*wx.Message, int, error) {
	stream, err := p.decoder.Open(ctx, conv)
	if err != nil {
		return nil, 0, err
	}
	defer stream.Close()

	var msgs []*wx.Message
	for stream.Next() {
		msgs = append(msgs, stream.Message())
	}
	if err := stream.Err(); err != nil {
		return nil, 0, err
	}
	return msgs, stream.Warnings(), nil
}

func (p *Pipeline) newAggregator() *stats.Aggregator {
	return stats.NewAggregator(stats.Options{
		Location:      p.opts.Location,
		ExcludeSystem: p.opts.ExcludeSystem,
	})
}

func (p *Pipeline) sessions(ctx context.Context, loc wx.StoreLocator, stores *wx.AccountStores, contacts map[string]*wx.Contact) SessionCounts {
	var counts SessionCounts
	sl, ok := loc.(sessionLister)
	if !ok {
		return counts
	}
	sessions, err := sl.Sessions(ctx, stores, p.opts.From, p.opts.To)
	if err != nil {
		p.logger.Warn("reading session list", "account", stores.Account.ID, "error", err)
		return counts
	}
	for _, s := range sessions {
		counts.Total++
		switch locator.KindOf(s.UserName) {
		case wx.ContactGroup:
			counts.Group++
		case wx.ContactService:
			counts.Service++
		default:
			if c, ok := contacts[s.UserName]; ok && c.Kind == wx.ContactIndividual {
				counts.Individual++
			}
		}
	}
	return counts
}

// skip logs a skip and returns it.
func (p *Pipeline) skip(s wx.Skip) wx.Skip {
	p.logger.Warn("skipped",
		"scope", string(s.Scope),
		"account", s.AccountID,
		"conversation", s.ConversationID,
		"path", s.Path,
		"reason", s.Reason,
	)
	return s
}

func convSkip(conv *wx.Conversation, why string) wx.Skip {
	return wx.Skip{
		Scope:          wx.ScopeConversation,
		AccountID:      conv.AccountID,
		ConversationID: conv.ID,
		Path:           conv.Store.RelativePath,
		Reason:         why,
	}
}

// reason describes why a conversation was dropped. Failures caused by the
// run being cancelled are reported as such rather than as corruption.
func reason(runCtx context.Context, err error) string {
	if runCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return "run cancelled"
	}
	return err.Error()
}

func pathOf(rf *wx.ResolvedFile) string {
	if rf == nil {
		return ""
	}
	return rf.RelativePath
}
