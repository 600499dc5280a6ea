package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/otcsettle/internal/crypto"
	"github.com/alanyoungcy/otcsettle/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memState is an in-memory StateStore and CommandStore.
type memState struct {
	mu       sync.Mutex
	rows     map[string]domain.EntityRow
	cursor   string
	applied  []string
	events   []domain.Event
	archived []domain.ArchivedRecord
	failNext error
	applies  int
}

func newMemState() *memState {
	return &memState{rows: map[string]domain.EntityRow{}}
}

func (m *memState) Load(context.Context) ([]domain.EntityRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EntityRow, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Table+"/"+out[i].Key < out[j].Table+"/"+out[j].Key
	})
	return out, nil
}

func (m *memState) Apply(_ context.Context, b domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if b.CommandID != "" {
		for _, id := range m.applied {
			if id == b.CommandID {
				return fmt.Errorf("mem: command %s: %w", id, domain.ErrAlreadyExists)
			}
		}
		m.applied = append(m.applied, b.CommandID)
	}
	for _, ch := range b.Changes {
		k := ch.Table + "/" + ch.Key
		if ch.Deleted {
			delete(m.rows, k)
			continue
		}
		m.rows[k] = domain.EntityRow{Table: ch.Table, Key: ch.Key, Value: ch.Value}
	}
	m.events = append(m.events, b.Events...)
	m.archived = append(m.archived, b.Archived...)
	if b.Cursor != "" {
		m.cursor = b.Cursor
	}
	m.applies++
	return nil
}

func (m *memState) Cursor(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *memState) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.applied {
		if a == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memState) Recent(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.applied) <= limit {
		return append([]string(nil), m.applied...), nil
	}
	return append([]string(nil), m.applied[len(m.applied)-limit:]...), nil
}

// memBus is an in-memory SignalBus. Stream ids are "<n>-0".
type memBus struct {
	mu        sync.Mutex
	streams   map[string][][]byte
	published map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{streams: map[string][][]byte{}, published: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return fmt.Sprintf("%d-0", len(b.streams[stream])), nil
}

func (b *memBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	after := 0
	if lastID != "" {
		n, _, _ := strings.Cut(lastID, "-")
		after, _ = strconv.Atoi(n)
	}
	var out []domain.StreamMessage
	for i := after; i < len(b.streams[stream]) && len(out) < count; i++ {
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i+1), Payload: b.streams[stream][i]})
	}
	return out, nil
}

func (b *memBus) stream(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.streams[name]...)
}

// memCache is an in-memory ReputationCache.
type memCache struct {
	mu     sync.Mutex
	buyers map[domain.AccountID]domain.BuyerReputation
	makers map[domain.AccountID]domain.MakerReputation
}

func newMemCache() *memCache {
	return &memCache{
		buyers: map[domain.AccountID]domain.BuyerReputation{},
		makers: map[domain.AccountID]domain.MakerReputation{},
	}
}

func (c *memCache) SetBuyer(_ context.Context, r domain.BuyerReputation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buyers[r.Account] = r
	return nil
}

func (c *memCache) GetBuyer(_ context.Context, a domain.AccountID) (domain.BuyerReputation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.buyers[a]
	if !ok {
		return r, domain.ErrNotFound
	}
	return r, nil
}

func (c *memCache) SetMaker(_ context.Context, r domain.MakerReputation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.makers[r.Account] = r
	return nil
}

func (c *memCache) GetMaker(_ context.Context, a domain.AccountID) (domain.MakerReputation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.makers[a]
	if !ok {
		return r, domain.ErrNotFound
	}
	return r, nil
}

func (c *memCache) Invalidate(_ context.Context, a domain.AccountID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buyers, a)
	delete(c.makers, a)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []domain.EventKind
}

func (r *recordingNotifier) NotifyEvent(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, ev.Kind)
	return nil
}

// party is a test account with its own key.
type party struct {
	signer  *crypto.Signer
	account domain.AccountID
}

func newParty(t *testing.T) party {
	t.Helper()
	key, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSigner(key, testChainID)
	require.NoError(t, err)
	return party{signer: s, account: domain.NormalizeAccount(s.Address().Hex())}
}

func (p party) cmd(t *testing.T, op Op, body any, at time.Time) Envelope {
	t.Helper()
	env, err := NewEnvelope(p.signer, op, body, at)
	require.NoError(t, err)
	return env
}

func (p party) raw(t *testing.T, op Op, body any, at time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(p.cmd(t, op, body, at))
	require.NoError(t, err)
	return b
}
