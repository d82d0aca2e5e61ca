// Package repotest はテスト用のインメモリrepository実装を提供する。
// repository.Transactorを満たし、InTxがエラーを返した場合は変更を破棄する。
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

type state struct {
	users    map[string]model.User
	sessions map[string]model.Session
	sources  map[string]model.Source
	entries  []model.Entry
	tags     map[string]model.Tag
	subs     map[string]model.Subscription
	subTags  map[string]map[string]bool
}

func newState() *state {
	return &state{
		users:    map[string]model.User{},
		sessions: map[string]model.Session{},
		sources:  map[string]model.Source{},
		tags:     map[string]model.Tag{},
		subs:     map[string]model.Subscription{},
		subTags:  map[string]map[string]bool{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.sources {
		c.sources[k] = v
	}
	c.entries = append([]model.Entry(nil), s.entries...)
	for k, v := range s.tags {
		c.tags[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, set := range s.subTags {
		m := make(map[string]bool, len(set))
		for id := range set {
			m[id] = true
		}
		c.subTags[k] = m
	}
	return c
}

// Store はインメモリのrepository.Transactor実装。
// トランザクションは直列に実行される。
type Store struct {
	repository.Repos

	mu   sync.Mutex
	data *state

	// InsertEntryHook が設定されている場合、記事の挿入前に呼ばれる。
	// エラーを返すと挿入は失敗する。
	InsertEntryHook func(entry *model.Entry) error
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	s := &Store{data: newState()}
	s.Repos = s.repos(false)
	return s
}

// InTx はfnを排他的に実行し、エラーまたはpanicの場合は変更を破棄する。
func (s *Store) InTx(ctx context.Context, fn func(repository.Repos) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	committed := false
	defer func() {
		if !committed {
			s.data = snapshot
		}
	}()

	if err := fn(s.repos(true)); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) repos(inTx bool) repository.Repos {
	b := &base{store: s, inTx: inTx}
	return repository.Repos{
		Users:         &userRepo{b},
		Sessions:      &sessionRepo{b},
		Sources:       &sourceRepo{b},
		Entries:       &entryRepo{b},
		Tags:          &tagRepo{b},
		Subscriptions: &subscriptionRepo{b},
	}
}

type base struct {
	store *Store
	inTx  bool
}

func (b *base) do(fn func(d *state) error) error {
	if !b.inTx {
		b.store.mu.Lock()
		defer b.store.mu.Unlock()
	}
	return fn(b.store.data)
}

// AllSources は保存されている全ソースをフィードURI順で返す。
func (s *Store) AllSources() []model.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Source, 0, len(s.data.sources))
	for _, src := range s.data.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedURI < out[j].FeedURI })
	return out
}

// AllEntries は保存されている全記事を挿入順で返す。
func (s *Store) AllEntries() []model.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Entry(nil), s.data.entries...)
}

// AllTags は保存されている全タグをラベル順で返す。
func (s *Store) AllTags() []model.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Tag, 0, len(s.data.tags))
	for _, t := range s.data.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// AllSubscriptions は保存されている全購読をタグ付きで返す。
func (s *Store) AllSubscriptions() []model.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Subscription, 0, len(s.data.subs))
	for _, sub := range s.data.subs {
		sub.Tags = s.data.tagsOf(sub.ID)
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// PutSource はテストの前提データとしてソースを保存する。IDが空の場合は採番する。
func (s *Store) PutSource(src model.Source) model.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	s.data.sources[src.ID] = src
	return src
}

// PutEntry はテストの前提データとして記事を保存する。IDが空の場合は採番する。
func (s *Store) PutEntry(e model.Entry) model.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	s.data.entries = append(s.data.entries, e)
	return e
}

func (d *state) tagsOf(subID string) []model.Tag {
	var tags []model.Tag
	for id := range d.subTags[subID] {
		tags = append(tags, d.tags[id])
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Label < tags[j].Label })
	return tags
}

func (d *state) sourceByURI(uri string) (model.Source, bool) {
	for _, src := range d.sources {
		if src.FeedURI == uri {
			return src, true
		}
	}
	return model.Source{}, false
}

func (d *state) subscription(sourceID, userID string) (model.Subscription, bool) {
	for _, sub := range d.subs {
		if sub.SourceID == sourceID && sub.UserID == userID {
			return sub, true
		}
	}
	return model.Subscription{}, false
}

type userRepo struct{ *base }

func (r *userRepo) Create(ctx context.Context, user *model.User) error {
	return r.do(func(d *state) error {
		for _, u := range d.users {
			if u.Name == user.Name {
				return repository.ErrAlreadyExists
			}
		}
		d.users[user.ID] = *user
		return nil
	})
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var found *model.User
	err := r.do(func(d *state) error {
		if u, ok := d.users[id]; ok {
			found = &u
		}
		return nil
	})
	return found, err
}

func (r *userRepo) FindByName(ctx context.Context, name string) (*model.User, error) {
	var found *model.User
	err := r.do(func(d *state) error {
		for _, u := range d.users {
			if u.Name == name {
				u := u
				found = &u
			}
		}
		return nil
	})
	return found, err
}

type sessionRepo struct{ *base }

func (r *sessionRepo) Create(ctx context.Context, session *model.Session) error {
	return r.do(func(d *state) error {
		d.sessions[session.ID] = *session
		return nil
	})
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var found *model.Session
	err := r.do(func(d *state) error {
		if s, ok := d.sessions[id]; ok && s.ExpiresAt.After(time.Now()) {
			found = &s
		}
		return nil
	})
	return found, err
}

func (r *sessionRepo) DeleteByID(ctx context.Context, id string) error {
	return r.do(func(d *state) error {
		delete(d.sessions, id)
		return nil
	})
}

func (r *sessionRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.do(func(d *state) error {
		for id, s := range d.sessions {
			if s.ExpiresAt.Before(cutoff) {
				delete(d.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

type sourceRepo struct{ *base }

func (r *sourceRepo) FindByFeedURI(ctx context.Context, feedURI string) (*model.Source, error) {
	var found *model.Source
	err := r.do(func(d *state) error {
		if src, ok := d.sourceByURI(feedURI); ok {
			found = &src
		}
		return nil
	})
	return found, err
}

func (r *sourceRepo) CreateIfAbsent(ctx context.Context, source *model.Source) (*model.Source, bool, error) {
	var out *model.Source
	var created bool
	err := r.do(func(d *state) error {
		if src, ok := d.sourceByURI(source.FeedURI); ok {
			out = &src
			return nil
		}
		d.sources[source.ID] = *source
		cp := *source
		out, created = &cp, true
		return nil
	})
	return out, created, err
}

func (r *sourceRepo) ListAll(ctx context.Context) ([]*model.Source, error) {
	var out []*model.Source
	err := r.do(func(d *state) error {
		for _, src := range d.sources {
			src := src
			out = append(out, &src)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].FeedURI < out[j].FeedURI })
		return nil
	})
	return out, err
}

func (r *sourceRepo) UpdateSyncState(ctx context.Context, source *model.Source) error {
	return r.do(func(d *state) error {
		cur, ok := d.sources[source.ID]
		if !ok {
			return nil
		}
		cur.FetchedLabel = source.FetchedLabel
		cur.LastCheck = source.LastCheck
		cur.LastFetch = source.LastFetch
		d.sources[source.ID] = cur
		return nil
	})
}

func (r *sourceRepo) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := r.do(func(d *state) error {
		n = int64(len(d.sources))
		d.sources = map[string]model.Source{}
		d.entries = nil
		d.subs = map[string]model.Subscription{}
		d.subTags = map[string]map[string]bool{}
		return nil
	})
	return n, err
}

type entryRepo struct{ *base }

func (r *entryRepo) InsertIfAbsent(ctx context.Context, entry *model.Entry) (bool, error) {
	var inserted bool
	err := r.do(func(d *state) error {
		if hook := r.store.InsertEntryHook; hook != nil {
			if err := hook(entry); err != nil {
				return err
			}
		}
		for _, e := range d.entries {
			if e.SourceID == entry.SourceID && e.Link == entry.Link &&
				e.Title == entry.Title && e.Updated.Equal(entry.Updated) {
				return nil
			}
		}
		d.entries = append(d.entries, *entry)
		inserted = true
		return nil
	})
	return inserted, err
}

func (r *entryRepo) ListForUser(ctx context.Context, userID string, limit int) ([]model.EntryView, error) {
	views := []model.EntryView{}
	err := r.do(func(d *state) error {
		for _, e := range d.entries {
			sub, ok := d.subscription(e.SourceID, userID)
			if !ok {
				continue
			}
			src := d.sources[e.SourceID]
			label := sub.UserLabel
			if label == "" {
				label = src.FetchedLabel
			}
			tags := []string{}
			for _, t := range d.tagsOf(sub.ID) {
				tags = append(tags, t.Label)
			}
			views = append(views, model.EntryView{
				Entry:       e,
				SourceLink:  src.Link,
				SourceLabel: label,
				SourceTags:  tags,
			})
		}
		sort.SliceStable(views, func(i, j int) bool {
			return views[i].Updated.After(views[j].Updated)
		})
		if limit > 0 && len(views) > limit {
			views = views[:limit]
		}
		return nil
	})
	return views, err
}

type tagRepo struct{ *base }

func (r *tagRepo) FindOrCreate(ctx context.Context, userID, label string) (*model.Tag, error) {
	var out *model.Tag
	err := r.do(func(d *state) error {
		for _, t := range d.tags {
			if t.UserID == userID && t.Label == label {
				t := t
				out = &t
				return nil
			}
		}
		t := model.Tag{ID: uuid.New().String(), UserID: userID, Label: label}
		d.tags[t.ID] = t
		out = &t
		return nil
	})
	return out, err
}

func (r *tagRepo) ListByUser(ctx context.Context, userID string) ([]model.Tag, error) {
	tags := []model.Tag{}
	err := r.do(func(d *state) error {
		for _, t := range d.tags {
			if t.UserID == userID {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i].Label < tags[j].Label })
		return nil
	})
	return tags, err
}

type subscriptionRepo struct{ *base }

func (r *subscriptionRepo) FindBySourceAndUser(ctx context.Context, sourceID, userID string) (*model.Subscription, error) {
	var out *model.Subscription
	err := r.do(func(d *state) error {
		if sub, ok := d.subscription(sourceID, userID); ok {
			sub.Tags = d.tagsOf(sub.ID)
			out = &sub
		}
		return nil
	})
	return out, err
}

func (r *subscriptionRepo) CreateIfAbsent(ctx context.Context, sub *model.Subscription) (*model.Subscription, bool, error) {
	var out *model.Subscription
	var created bool
	err := r.do(func(d *state) error {
		if existing, ok := d.subscription(sub.SourceID, sub.UserID); ok {
			existing.Tags = d.tagsOf(existing.ID)
			out = &existing
			return nil
		}
		stored := *sub
		stored.Tags = nil
		d.subs[sub.ID] = stored
		cp := *sub
		out, created = &cp, true
		return nil
	})
	return out, created, err
}

func (r *subscriptionRepo) AddTags(ctx context.Context, subscriptionID string, tagIDs []string) (int, error) {
	var added int
	err := r.do(func(d *state) error {
		set := d.subTags[subscriptionID]
		if set == nil {
			set = map[string]bool{}
			d.subTags[subscriptionID] = set
		}
		for _, id := range tagIDs {
			if !set[id] {
				set[id] = true
				added++
			}
		}
		return nil
	})
	return added, err
}

func (r *subscriptionRepo) ListViewsByUser(ctx context.Context, userID string) ([]model.SourceView, error) {
	views := []model.SourceView{}
	err := r.do(func(d *state) error {
		for _, sub := range d.subs {
			if sub.UserID != userID {
				continue
			}
			labels := []string{}
			for _, t := range d.tagsOf(sub.ID) {
				labels = append(labels, t.Label)
			}
			views = append(views, model.SourceView{
				Source:    d.sources[sub.SourceID],
				UserLabel: sub.UserLabel,
				TagLabels: labels,
			})
		}
		sort.Slice(views, func(i, j int) bool {
			li, lj := views[i].Label(), views[j].Label()
			if li != lj {
				return li < lj
			}
			return views[i].ID < views[j].ID
		})
		return nil
	})
	return views, err
}

// compile-time interface check
var _ repository.Transactor = (*Store)(nil)
