package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/server/handler"
	"github.com/alanyoungcy/otcsettle/internal/server/ws"
	"github.com/alanyoungcy/otcsettle/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const alice = "0x00000000000000000000000000000000000a11ce"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeModel struct {
	balances map[domain.AccountID]uint64
	cases    map[domain.CaseID]domain.DisputeCase
	status   service.Status
}

func (m *fakeModel) BuyerReputation(_ context.Context, a domain.AccountID) (domain.BuyerReputation, error) {
	return domain.BuyerReputation{Account: a, Tier: "newcomer"}, nil
}

func (m *fakeModel) MakerReputation(_ context.Context, a domain.AccountID) (domain.MakerReputation, error) {
	return domain.MakerReputation{Account: a, Score: 500}, nil
}

func (m *fakeModel) Balance(_ context.Context, a domain.AccountID) (uint64, error) {
	return m.balances[a], nil
}

func (m *fakeModel) Case(_ context.Context, id domain.CaseID) (domain.DisputeCase, error) {
	c, ok := m.cases[id]
	if !ok {
		return c, fmt.Errorf("case %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (m *fakeModel) PendingCases(context.Context) ([]domain.DisputeCase, error) {
	var out []domain.DisputeCase
	for _, c := range m.cases {
		out = append(out, c)
	}
	return out, nil
}

func (m *fakeModel) Status(context.Context) (service.Status, error) {
	return m.status, nil
}

type fakeReputation struct{ err error }

func (f fakeReputation) Buyer(_ context.Context, a domain.AccountID) (domain.BuyerReputation, error) {
	return domain.BuyerReputation{Account: a, Tier: "regular"}, f.err
}

func (f fakeReputation) Maker(_ context.Context, a domain.AccountID) (domain.MakerReputation, error) {
	return domain.MakerReputation{Account: a, Status: "good"}, f.err
}

type fakeOrders struct {
	orders []domain.Order
	err    error
}

func (f *fakeOrders) GetByID(_ context.Context, id domain.OrderID) (domain.Order, error) {
	for _, o := range f.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.Order{}, fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
}

func (f *fakeOrders) ListByAccount(_ context.Context, a domain.AccountID, _ domain.ListOpts) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range f.orders {
		if o.IsParty(a) {
			out = append(out, o)
		}
	}
	return out, f.err
}

func (f *fakeOrders) ListByState(_ context.Context, s domain.OrderState, _ domain.ListOpts) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range f.orders {
		if o.State == s {
			out = append(out, o)
		}
	}
	return out, f.err
}

type fakeEvents struct{ events []domain.Event }

func (f *fakeEvents) ListAfter(_ context.Context, seq uint64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.events {
		if e.Seq > seq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) LastSeq(context.Context) (uint64, error) {
	if len(f.events) == 0 {
		return 0, nil
	}
	return f.events[len(f.events)-1].Seq, nil
}

type fakeAudit struct{ opts domain.ListOpts }

func (f *fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return []domain.AuditEntry{{ID: 1, Event: "archive.export"}}, nil
}

type fakeBlobs struct {
	files    map[string]string
	prefixes []string
}

func (f *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.files[path])), nil
}

func (f *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.prefixes = append(f.prefixes, prefix)
	var out []domain.BlobInfo
	for p, body := range f.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (f *fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.files[path]
	return ok, nil
}

type denyLimiter struct{ allowed int }

func (d *denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	if d.allowed > 0 {
		d.allowed--
		return true, nil
	}
	return false, nil
}

func (d *denyLimiter) Wait(context.Context, string) error { return nil }

type fixture struct {
	model  *fakeModel
	orders *fakeOrders
	events *fakeEvents
	audit  *fakeAudit
	blobs  *fakeBlobs
	mux    *http.ServeMux
	hits   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := discardLogger()
	f := &fixture{
		model: &fakeModel{
			balances: map[domain.AccountID]uint64{alice: 750},
			cases:    map[domain.CaseID]domain.DisputeCase{3: {ID: 3, OrderID: 9, Status: domain.CasePending}},
			status:   service.Status{LastSeq: 12, LiveOrders: 2},
		},
		orders: &fakeOrders{orders: []domain.Order{
			{ID: 1, Buyer: alice, Maker: "0xm", State: domain.OrderCreated},
			{ID: 2, Buyer: "0xb", Maker: "0xm", State: domain.OrderReleased},
		}},
		events: &fakeEvents{events: []domain.Event{
			{Seq: 1, Kind: domain.EventOrderCreated},
			{Seq: 2, Kind: domain.EventOrderAccepted},
			{Seq: 3, Kind: domain.EventPaymentAttested},
		}},
		audit: &fakeAudit{},
		blobs: &fakeBlobs{files: map[string]string{
			"archive/order/2026-03-01/000000000001-000000000002.jsonl": "{\"id\":1}\n{\"id\":2}\n",
		}},
	}
	f.mux = Routes(Handlers{
		Health:   handler.NewHealthHandler(log),
		Status:   handler.NewStatusHandler(f.model, "full", log),
		Accounts: handler.NewAccountHandler(fakeReputation{}, f.model, log),
		Orders:   handler.NewOrderHandler(f.orders, log),
		Cases:    handler.NewCaseHandler(f.model, log),
		Events:   handler.NewEventHandler(f.events, log),
		Audit:    handler.NewAuditHandler(f.audit, log),
		Archive: handler.NewArchiveHandler(f.blobs, "archive", log).WithTrigger(func() bool {
			f.hits++
			return true
		}),
	}, nil)
	return f
}

func (f *fixture) get(t *testing.T, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return do(t, f.mux, httptest.NewRequest(http.MethodGet, target, nil))
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestAccountRoutes(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/api/accounts/0x00000000000000000000000000000000000A11CE/buyer")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice, body["account"], "addresses are normalised")
	assert.Equal(t, "regular", body["tier"])

	rec, body = f.get(t, "/api/accounts/"+alice+"/maker")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "good", body["status"])

	rec, body = f.get(t, "/api/accounts/"+alice+"/balance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 750, body["balance"])

	rec, _ = f.get(t, "/api/accounts/not-an-address/balance")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderRoutes(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		target string
		code   int
		count  int
	}{
		{"/api/orders", http.StatusBadRequest, -1},
		{"/api/orders?account=" + alice, http.StatusOK, 1},
		{"/api/orders?state=released", http.StatusOK, 1},
		{"/api/orders?state=nonsense", http.StatusBadRequest, -1},
		{"/api/orders?state=disputed", http.StatusOK, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec, body := f.get(t, tt.target)
			require.Equal(t, tt.code, rec.Code)
			if tt.count >= 0 {
				assert.Len(t, body["orders"], tt.count)
			}
		})
	}

	rec, body := f.get(t, "/api/orders/2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "released", body["state"])

	rec, _ = f.get(t, "/api/orders/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.get(t, "/api/orders/0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.orders.err = errors.New("connection reset")
	rec, body = f.get(t, "/api/orders?account="+alice)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "list orders failed", body["error"], "internal detail is not leaked")
}

func TestCaseAndStatusRoutes(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/api/cases")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["cases"], 1)

	rec, body = f.get(t, "/api/cases/3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 9, body["order_id"])

	rec, _ = f.get(t, "/api/cases/4")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "full", body["mode"])
	engine := body["engine"].(map[string]any)
	assert.EqualValues(t, 12, engine["last_seq"])
}

func TestEventPaging(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/api/events?after=1&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 1)
	assert.EqualValues(t, 2, body["next"])
	assert.EqualValues(t, 3, body["last_seq"])

	rec, body = f.get(t, "/api/events?after=3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["events"])
	assert.EqualValues(t, 3, body["next"], "next stays put at the head")

	rec, _ = f.get(t, "/api/events?after=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditRoute(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.get(t, "/api/audit?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := f.get(t, "/api/audit?since=2026-03-01T00:00:00Z&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["entries"], 1)
	require.NotNil(t, f.audit.opts.Since)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.audit.opts.Since.UTC())
	assert.Nil(t, f.audit.opts.Until)
	assert.Equal(t, 10, f.audit.opts.Limit)
}

func TestArchiveRoutes(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/api/archive?prefix=order")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["files"], 1)
	assert.Equal(t, []string{"archive/order/"}, f.blobs.prefixes)

	rec, _ = f.get(t, "/api/archive?prefix=../secrets")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.get(t, "/api/archive/file?path=order/2026-03-01/000000000001-000000000002.jsonl")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n", rec.Body.String())

	rec, _ = f.get(t, "/api/archive/file?path=order/missing.jsonl")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.get(t, "/api/archive/file?path=../../etc/passwd")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, f.mux, httptest.NewRequest(http.MethodPost, "/api/archive/trigger", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, 1, f.hits)

	noTrigger := Routes(Handlers{Archive: handler.NewArchiveHandler(f.blobs, "archive", discardLogger())}, nil)
	rec, _ = do(t, noTrigger, httptest.NewRequest(http.MethodPost, "/api/archive/trigger", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	h := handler.NewHealthHandler(discardLogger()).
		WithCheck("postgres", func(context.Context) error { return nil }).
		WithCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") })
	mux := Routes(Handlers{Health: h}, nil)

	rec, body := do(t, mux, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, "dial tcp: refused", deps["redis"])
}

func TestMiddlewareChain(t *testing.T) {
	f := newFixture(t)
	limiter := &denyLimiter{allowed: 2}
	srv := NewServer(Config{
		Port:       0,
		APIKey:     "s3cret",
		RateLimit:  2,
		RateWindow: time.Minute,
	}, Handlers{
		Health: handler.NewHealthHandler(discardLogger()),
		Status: handler.NewStatusHandler(f.model, "server", discardLogger()),
	}, nil, limiter, discardLogger())
	h := srv.Handler()

	rec, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")

	rec, body := do(t, h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing authentication token", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec, _ = do(t, h, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec, _ = do(t, h, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec, _ = do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "rate limit applies to public routes too")
}

func TestMetricsEndpoint(t *testing.T) {
	mux := Routes(Handlers{}, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

type chanBus struct{ ch chan []byte }

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *chanBus) StreamAppend(context.Context, string, []byte) (string, error) { return "", nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestHubStreamsMatchingEvents(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	hub := ws.NewHub(bus, discardLogger(), ws.Config{
		Channel: "settle:events:live",
		Status: func(context.Context) (any, error) {
			return service.Status{LastSeq: 7}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(Routes(Handlers{}, hub))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?kinds=OrderDisputed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello struct {
		Type    string         `json:"type"`
		Payload service.Status `json:"payload"`
	}
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &hello))
	assert.Equal(t, "status", hello.Type)
	assert.Equal(t, uint64(7), hello.Payload.LastSeq)

	for _, ev := range []domain.Event{
		{Seq: 8, Kind: domain.EventOrderCreated},
		{Seq: 9, Kind: domain.EventOrderDisputed, OrderID: 4},
	} {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		bus.ch <- b
	}

	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	var got domain.Event
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, uint64(9), got.Seq, "filtered events are skipped")
	assert.Equal(t, domain.EventOrderDisputed, got.Kind)
}
