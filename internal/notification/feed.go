package notification

import (
	"slices"
	"strings"
	"sync"

	"github.com/hitoshi/taskboard/internal/model"
)

// Feed は1人分の通知一覧をUpdatedAtの版で管理する。
// 楽観的な既読反映と変更イベントの到着順が前後しても、古い版で新しい版を上書きしない。
// 保持するのは表示順で先頭からlimit件まで。
type Feed struct {
	mu    sync.Mutex
	limit int
	items map[string]*model.Notification
}

// NewFeed は空のFeedを生成する。limitが0以下の場合は件数を制限しない。
func NewFeed(limit int) *Feed {
	return &Feed{limit: limit, items: make(map[string]*model.Notification)}
}

// Apply は1件を反映する。既知の版より古い場合や、上限からあふれた場合はfalseを返す。
func (f *Feed) Apply(n *model.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.apply(n) {
		return false
	}
	f.trim()
	_, kept := f.items[n.ID]
	return kept
}

func (f *Feed) apply(n *model.Notification) bool {
	if cur, ok := f.items[n.ID]; ok && n.UpdatedAt.Before(cur.UpdatedAt) {
		return false
	}
	c := *n
	f.items[n.ID] = &c
	return true
}

// Replace は一覧を再取得結果で置き換える。
// 再取得結果に含まれない通知は取り除き、既知の版の方が新しい通知はそちらを残す。
func (f *Feed) Replace(list []*model.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.items
	f.items = make(map[string]*model.Notification, len(list))
	for _, n := range list {
		if cur, ok := prev[n.ID]; ok && n.UpdatedAt.Before(cur.UpdatedAt) {
			f.items[n.ID] = cur
			continue
		}
		f.apply(n)
	}
	f.trim()
}

// trim は表示順でlimit件を超えた分を取り除く。
func (f *Feed) trim() {
	if f.limit <= 0 || len(f.items) <= f.limit {
		return
	}
	for _, n := range f.sorted()[f.limit:] {
		delete(f.items, n.ID)
	}
}

func (f *Feed) sorted() []*model.Notification {
	out := make([]*model.Notification, 0, len(f.items))
	for _, n := range f.items {
		out = append(out, n)
	}
	slices.SortFunc(out, compareNotifications)
	return out
}

// Snapshot は時刻の降順、同時刻では未読を先にした一覧を返す。
func (f *Feed) Snapshot() []*model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.sorted()
	for i, n := range out {
		c := *n
		out[i] = &c
	}
	return out
}

// Unread は未読件数を返す。
func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.items {
		if !item.Read {
			n++
		}
	}
	return n
}

func compareNotifications(a, b *model.Notification) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	if a.Read != b.Read {
		if !a.Read {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
