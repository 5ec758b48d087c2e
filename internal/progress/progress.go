// Package progress tracks which course sections a wallet account has
// completed and which ones it may open next.
package progress

import (
	"context"
	"github.com/ethereum/go-ethereum/common"
	"moff.io/coursewallet/internal/session"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"sync"
)

var (
	ErrSectionLocked  = errors.New("section is locked")
	ErrUnknownSection = errors.New("unknown section")
)

type SectionState string

const (
	Locked    SectionState = "locked"
	Available SectionState = "available"
	Completed SectionState = "completed"
)

type SectionStatus struct {
	Section string       `json:"section"`
	State   SectionState `json:"state"`
}

// Derive computes the state of each section in order. A section is completed
// when marked, locked when its predecessor is not completed, and available
// otherwise.
func Derive(sections []string, completed map[string]bool) []SectionStatus {
	out := make([]SectionStatus, 0, len(sections))
	for i, section := range sections {
		state := Available
		switch {
		case completed[section]:
			state = Completed
		case i > 0 && !completed[sections[i-1]]:
			state = Locked
		}
		out = append(out, SectionStatus{Section: section, State: state})
	}
	return out
}

// Store persists completed sections per account and course.
type Store interface {
	Completed(ctx context.Context, account common.Address, course string) (map[string]bool, error)
	MarkCompleted(ctx context.Context, account common.Address, course, section string) error
	Reset(ctx context.Context, account common.Address) error
}

// AccountSource yields the account of the live wallet session.
type AccountSource interface {
	ActiveAccount() (common.Address, bool)
}

type Tracker struct {
	accounts AccountSource
	store    Store
}

func NewTracker(accounts AccountSource, store Store) *Tracker {
	return &Tracker{accounts: accounts, store: store}
}

func (t *Tracker) account() (common.Address, error) {
	account, ok := t.accounts.ActiveAccount()
	if !ok {
		return common.Address{}, session.ErrNoActiveSession
	}
	return account, nil
}

func (t *Tracker) Sections(ctx context.Context, course string, sections []string) ([]SectionStatus, error) {
	account, err := t.account()
	if err != nil {
		return nil, err
	}
	completed, err := t.store.Completed(ctx, account, course)
	if err != nil {
		return nil, err
	}
	return Derive(sections, completed), nil
}

// Complete marks section as done for the connected account and returns the
// updated states.
func (t *Tracker) Complete(ctx context.Context, course string, sections []string, section string) ([]SectionStatus, error) {
	account, err := t.account()
	if err != nil {
		return nil, err
	}
	completed, err := t.store.Completed(ctx, account, course)
	if err != nil {
		return nil, err
	}
	idx := indexOf(sections, section)
	if idx < 0 {
		return nil, errors.Wrapf(ErrUnknownSection, "course %s section %s", course, section)
	}
	if completed[section] {
		return Derive(sections, completed), nil
	}
	if Derive(sections, completed)[idx].State == Locked {
		return nil, errors.Wrapf(ErrSectionLocked, "course %s section %s", course, section)
	}
	if err := t.store.MarkCompleted(ctx, account, course, section); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"account": account.Hex(),
		"course":  course,
		"section": section,
	}).Infof("section completed")
	completed[section] = true
	return Derive(sections, completed), nil
}

// Reset forgets every completion of the connected account.
func (t *Tracker) Reset(ctx context.Context) error {
	account, err := t.account()
	if err != nil {
		return err
	}
	return t.store.Reset(ctx, account)
}

func indexOf(sections []string, section string) int {
	for i, s := range sections {
		if s == section {
			return i
		}
	}
	return -1
}

// MemoryStore keeps completions in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	done map[common.Address]map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{done: make(map[common.Address]map[string]map[string]bool)}
}

func (m *MemoryStore) Completed(ctx context.Context, account common.Address, course string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for section := range m.done[account][course] {
		out[section] = true
	}
	return out, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, account common.Address, course, section string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	courses, ok := m.done[account]
	if !ok {
		courses = make(map[string]map[string]bool)
		m.done[account] = courses
	}
	if courses[course] == nil {
		courses[course] = make(map[string]bool)
	}
	courses[course][section] = true
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.done, account)
	return nil
}
