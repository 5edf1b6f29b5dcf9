package session

import (
	"sort"
	"sync"

	"github.com/basket/go-keepalive/internal/persistence"
)

// entry is one live task. mu serialises the heartbeat handlers and cleanup
// for this task; it is never held while waiting on another task.
type entry struct {
	mu      sync.Mutex
	task    persistence.Task
	removed bool
}

// index holds the live tasks and the account reverse map under one lock so
// the two can never disagree.
type index struct {
	mu        sync.RWMutex
	byID      map[string]*entry
	byAccount map[int64]string
}

func newIndex() *index {
	return &index{
		byID:      make(map[string]*entry),
		byAccount: make(map[int64]string),
	}
}

func (x *index) get(id string) (*entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byID[id]
	return e, ok
}

func (x *index) lookupAccount(accountID int64) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.byAccount[accountID]
	return id, ok
}

func (x *index) insert(task persistence.Task) *entry {
	e := &entry{task: task}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID[task.ID] = e
	x.byAccount[task.ExternalAccountID] = task.ID
	return e
}

// remove drops id. The account mapping goes only if it still points at id.
func (x *index) remove(id string, accountID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.byID, id)
	if cur, ok := x.byAccount[accountID]; ok && cur == id {
		delete(x.byAccount, accountID)
	}
}

func (x *index) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

func (x *index) entries() []*entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*entry, 0, len(x.byID))
	for _, e := range x.byID {
		out = append(out, e)
	}
	return out
}

// snapshot copies a task out from under its entry lock.
func (e *entry) snapshot() persistence.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone()
}

func sortByCreated(tasks []persistence.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// accountLocks hands out one mutex per external account id. Entries are
// dropped once no caller holds or waits on them.
type accountLocks struct {
	mu    sync.Mutex
	locks map[int64]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[int64]*accountLock)}
}

// lock blocks until accountID is free and returns its unlock func.
func (a *accountLocks) lock(accountID int64) func() {
	a.mu.Lock()
	l, ok := a.locks[accountID]
	if !ok {
		l = &accountLock{}
		a.locks[accountID] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, accountID)
		}
		a.mu.Unlock()
	}
}

func (a *accountLocks) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
