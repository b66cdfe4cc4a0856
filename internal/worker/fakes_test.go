package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/repository"
	"github.com/jmoiron/sqlx/types"
)

// memInbox is an in-memory inbox with the same claim and completion rules as the SQL store.
type memInbox struct {
	mu   sync.Mutex
	recs map[string]*model.InboxRecord
	logs []model.LogEntry

	listErr     error
	completeErr error
	releaseErr  error
	released    int
	unclaimed   int
}

func newMemInbox() *memInbox {
	return &memInbox{recs: map[string]*model.InboxRecord{}}
}

func (m *memInbox) add(id, contract, payload string, receivedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id] = &model.InboxRecord{
		ID:           id,
		Source:       "test",
		ContractName: contract,
		Payload:      types.JSONText(payload),
		Status:       model.StatusReceived,
		ReceivedAt:   receivedAt,
		UpdatedAt:    receivedAt,
	}
}

func (m *memInbox) ListReceived(_ context.Context, limit int) ([]model.InboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.InboxRecord
	for _, r := range m.recs {
		if r.Status == model.StatusReceived {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInbox) Claim(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok || r.Status != model.StatusReceived {
		return false, nil
	}
	r.Status = model.StatusProcessing
	r.Attempts++
	r.ClaimedAt = &at
	return true, nil
}

func (m *memInbox) Unclaim(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok || r.Status != model.StatusProcessing {
		return nil
	}
	r.Status = model.StatusReceived
	r.Attempts--
	r.ClaimedAt = nil
	m.unclaimed++
	return nil
}

func (m *memInbox) Complete(_ context.Context, c model.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	r, ok := m.recs[c.InboxID]
	if !ok {
		return fmt.Errorf("complete %s: %w", c.InboxID, repository.ErrNotFound)
	}
	m.logs = append(m.logs, c.Entry)
	if r.Status != model.StatusProcessing {
		return fmt.Errorf("complete %s: %w", c.InboxID, repository.ErrClaimLost)
	}
	r.Status = c.Status
	r.LastError = c.LastError
	r.ClaimedAt = nil
	at := c.At
	r.ProcessedAt = &at
	return nil
}

func (m *memInbox) ReleaseStuck(_ context.Context, cutoff, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return 0, m.releaseErr
	}
	var n int64
	for _, r := range m.recs {
		if r.Status == model.StatusProcessing && r.ClaimedAt != nil && r.ClaimedAt.Before(cutoff) {
			r.Status = model.StatusReceived
			r.ClaimedAt = nil
			n++
		}
	}
	m.released++
	return n, nil
}

func (m *memInbox) get(id string) model.InboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.recs[id]
}

func (m *memInbox) logsFor(id string) []model.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LogEntry
	for _, e := range m.logs {
		if e.InboxID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *memInbox) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

type memContracts struct {
	defs map[string]string
	err  error
	// errFor fails lookups of one contract only
	errFor string
	gate   chan struct{} // when set, failing lookups wait for it
}

func (c memContracts) Get(_ context.Context, name string, _ int) (*model.MappingContract, error) {
	if c.err != nil && (c.errFor == "" || c.errFor == name) {
		if c.gate != nil {
			<-c.gate
		}
		return nil, c.err
	}
	def, ok := c.defs[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.MappingContract{ID: 1, Name: name, Version: 1, Definition: types.JSONText(def)}, nil
}
