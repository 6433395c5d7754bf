package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/api"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/journal"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/limits"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/order"
	"github.com/atmx/updown-engine/internal/payout"
	"github.com/atmx/updown-engine/internal/session"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/withdrawal"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 10, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	store  *store.MemoryStore
	router chi.Router
	hub    *api.WSHub
	now    time.Time
}

// newTestEnv wires every service over an in-memory store and a movable clock.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: store.NewMemoryStore(), now: t0}
	clock := func() time.Time { return env.now }

	machine, err := session.NewMachine(env.store, time.Minute, session.FixedSource(model.Down), nil)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	calc, err := payout.NewCalculator(payout.DefaultRatio)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	coord := settlement.New(env.store, machine, calc, settlement.Config{Now: clock}, nil)

	env.hub = api.NewWSHub(nil)
	coord.AddNotifier(env.hub)

	svc := api.NewService(api.Deps{
		Store:       env.store,
		Machine:     machine,
		Coordinator: coord,
		Orders:      order.NewService(env.store, machine, limits.NewStakeLimiter(d("1"), d("5000000"), decimal.Zero), nil).WithClock(clock),
		Withdrawals: withdrawal.NewProcessor(env.store, nil),
		Ledger:      ledger.New(env.store, 0, nil),
		Hub:         env.hub,
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	env.router = r
	return env
}

func (e *testEnv) seedUser(t *testing.T, id, available string) {
	t.Helper()
	err := e.store.CreateUser(context.Background(), &model.User{
		ID:      id,
		Balance: model.Balance{Available: d(available), Frozen: decimal.Zero},
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) balance(t *testing.T, userID string) api.BalanceResponse {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/users/"+userID+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func (e *testEnv) openSession(t *testing.T) model.Session {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/admin/sessions/open", nil)
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess model.Session
	json.Unmarshal(w.Body.Bytes(), &sess)
	return sess
}

func errorBody(w *httptest.ResponseRecorder) string {
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	return body["error"]
}

// --- Session lifecycle over HTTP ---

func TestRoundTrip_PredictedWin(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "2000000")
	env.seedUser(t, "bob", "2000000")

	sess := env.openSession(t)
	if sess.ID != "S-20250314-0930" {
		t.Fatalf("unexpected session id %q", sess.ID)
	}

	for _, o := range []api.OrderRequest{
		{UserID: "alice", Direction: model.Up, Stake: d("1000000")},
		{UserID: "bob", SessionID: sess.ID, Direction: model.Down, Stake: d("1000000")},
	} {
		w := env.do(t, "POST", "/api/v1/orders", o)
		if w.Code != http.StatusCreated {
			t.Fatalf("order: expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := env.do(t, "POST", "/api/v1/admin/sessions/"+sess.ID+"/predict", api.PredictRequest{Outcome: model.Up})
	if w.Code != http.StatusOK {
		t.Fatalf("predict: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	env.now = sess.EndTime.Add(5 * time.Second)
	w = env.do(t, "POST", "/api/v1/sessions/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("process: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report api.ProcessResponse
	json.Unmarshal(w.Body.Bytes(), &report)
	if len(report.Transitioned) != 1 || report.Transitioned[0].Outcome != model.Up {
		t.Fatalf("expected one UP transition, got %+v", report.Transitioned)
	}
	if report.Settled != 2 {
		t.Errorf("expected 2 trades settled, got %d", report.Settled)
	}

	alice := env.balance(t, "alice")
	if !alice.Available.Equal(d("2900000")) || !alice.Frozen.IsZero() {
		t.Errorf("alice: expected 2900000/0, got %s/%s", alice.Available, alice.Frozen)
	}
	bob := env.balance(t, "bob")
	if !bob.Available.Equal(d("1000000")) || !bob.Frozen.IsZero() {
		t.Errorf("bob: expected 1000000/0, got %s/%s", bob.Available, bob.Frozen)
	}

	// A second poll is a no-op.
	w = env.do(t, "POST", "/api/v1/sessions/process", nil)
	json.Unmarshal(w.Body.Bytes(), &report)
	if len(report.Transitioned) != 0 || report.Settled != 0 {
		t.Errorf("second pass should do nothing, got %+v", report)
	}
	if got := env.balance(t, "alice"); !got.Available.Equal(d("2900000")) {
		t.Errorf("alice credited twice: %s", got.Available)
	}

	w = env.do(t, "GET", "/api/v1/sessions/"+sess.ID, nil)
	var stored model.Session
	json.Unmarshal(w.Body.Bytes(), &stored)
	if stored.Status != model.SessionCompleted || stored.TotalWins != 1 || stored.TotalLosses != 1 {
		t.Errorf("unexpected session aggregates: %+v", stored)
	}

	w = env.do(t, "GET", "/api/v1/sessions/"+sess.ID+"/trades", nil)
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	for _, tr := range trades {
		if tr.Status != model.TradeCompleted {
			t.Errorf("trade %s still %s", tr.ID, tr.Status)
		}
	}

	// Predicting a completed session is a conflict.
	w = env.do(t, "POST", "/api/v1/admin/sessions/"+sess.ID+"/predict", api.PredictRequest{Outcome: model.Down})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for late prediction, got %d", w.Code)
	}
}

func TestGetCurrentSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/sessions/current", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any session is opened, got %d", w.Code)
	}

	sess := env.openSession(t)
	w = env.do(t, "GET", "/api/v1/sessions/current", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got model.Session
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != sess.ID {
		t.Errorf("expected %s, got %s", sess.ID, got.ID)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/sessions/S-20250314-0931",
		"/api/v1/sessions/S-20250314-0931/trades",
	} {
		if w := env.do(t, "GET", path, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

// --- Order validation ---

func TestPlaceOrder_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "100")
	sess := env.openSession(t)

	tests := []struct {
		name string
		req  api.OrderRequest
		want int
	}{
		{"bad direction", api.OrderRequest{UserID: "alice", Direction: "SIDEWAYS", Stake: d("10")}, http.StatusBadRequest},
		{"zero stake", api.OrderRequest{UserID: "alice", Direction: model.Up, Stake: decimal.Zero}, http.StatusBadRequest},
		{"missing user", api.OrderRequest{Direction: model.Up, Stake: d("10")}, http.StatusBadRequest},
		{"below min stake", api.OrderRequest{UserID: "alice", Direction: model.Up, Stake: d("0.5")}, http.StatusUnprocessableEntity},
		{"insufficient funds", api.OrderRequest{UserID: "alice", Direction: model.Up, Stake: d("101")}, http.StatusUnprocessableEntity},
		{"malformed session", api.OrderRequest{UserID: "alice", SessionID: "tomorrow", Direction: model.Up, Stake: d("10")}, http.StatusConflict},
		{"unknown session", api.OrderRequest{UserID: "alice", SessionID: "S-20250314-0945", Direction: model.Up, Stake: d("10")}, http.StatusConflict},
		{"unknown user", api.OrderRequest{UserID: "mallory", SessionID: sess.ID, Direction: model.Up, Stake: d("10")}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/orders", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if errorBody(w) == "" {
				t.Error("expected an error message")
			}
		})
	}

	if b := env.balance(t, "alice"); !b.Available.Equal(d("100")) || !b.Frozen.IsZero() {
		t.Errorf("rejected orders must not move funds, got %s/%s", b.Available, b.Frozen)
	}
}

func TestPlaceOrder_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPlaceOrder_AfterWindowCloses(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "100")
	sess := env.openSession(t)

	env.now = sess.EndTime
	w := env.do(t, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", SessionID: sess.ID, Direction: model.Up, Stake: d("10"),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 once the window closed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetUserTrades_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "100")
	env.openSession(t)

	for _, stake := range []string{"1", "2"} {
		env.do(t, "POST", "/api/v1/orders", api.OrderRequest{UserID: "alice", Direction: model.Up, Stake: d(stake)})
		env.now = env.now.Add(time.Second)
	}

	w := env.do(t, "GET", "/api/v1/users/alice/trades", nil)
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if !trades[0].Stake.Equal(d("2")) {
		t.Errorf("expected newest trade first, got stake %s", trades[0].Stake)
	}

	w = env.do(t, "GET", "/api/v1/users/nobody/trades", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %d %s", w.Code, w.Body.String())
	}
}

// --- Withdrawals ---

func TestWithdrawal_RejectRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "500")

	w := env.do(t, "POST", "/api/v1/withdrawals", api.WithdrawalRequest{
		UserID: "alice",
		Amount: d("200"),
		Bank:   model.BankDetails{BankName: "ACME", AccountName: "Alice", AccountNumber: "0042"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var wd model.Withdrawal
	json.Unmarshal(w.Body.Bytes(), &wd)
	if b := env.balance(t, "alice"); !b.Available.Equal(d("300")) {
		t.Errorf("expected 300 available after request, got %s", b.Available)
	}

	path := "/api/v1/admin/withdrawals/" + wd.ID + "/resolve"
	w = env.do(t, "POST", path, api.ResolveRequest{Decision: withdrawal.Reject, Admin: "ops", Note: "name mismatch"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", path, api.ResolveRequest{Decision: withdrawal.Reject, Admin: "ops"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second resolve, got %d", w.Code)
	}
	if b := env.balance(t, "alice"); !b.Available.Equal(d("500")) {
		t.Errorf("expected exactly one refund, got %s", b.Available)
	}

	w = env.do(t, "GET", "/api/v1/withdrawals/"+wd.ID, nil)
	json.Unmarshal(w.Body.Bytes(), &wd)
	if wd.Status != model.WithdrawalRejected || wd.ProcessedBy != "ops" {
		t.Errorf("unexpected withdrawal snapshot: %+v", wd)
	}
}

func TestWithdrawal_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "50")
	bank := model.BankDetails{BankName: "ACME", AccountName: "Alice", AccountNumber: "0042"}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"insufficient", "POST", "/api/v1/withdrawals", api.WithdrawalRequest{UserID: "alice", Amount: d("51"), Bank: bank}, http.StatusUnprocessableEntity},
		{"no bank", "POST", "/api/v1/withdrawals", api.WithdrawalRequest{UserID: "alice", Amount: d("5")}, http.StatusBadRequest},
		{"negative", "POST", "/api/v1/withdrawals", api.WithdrawalRequest{UserID: "alice", Amount: d("-5"), Bank: bank}, http.StatusBadRequest},
		{"unknown", "GET", "/api/v1/withdrawals/missing", nil, http.StatusNotFound},
		{"resolve unknown", "POST", "/api/v1/admin/withdrawals/missing/resolve", api.ResolveRequest{Decision: withdrawal.Approve, Admin: "ops"}, http.StatusNotFound},
		{"bad decision", "POST", "/api/v1/admin/withdrawals/missing/resolve", api.ResolveRequest{Decision: "maybe", Admin: "ops"}, http.StatusBadRequest},
		{"no admin", "POST", "/api/v1/admin/withdrawals/missing/resolve", api.ResolveRequest{Decision: withdrawal.Approve}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

// --- Legacy balances ---

func TestNormalizeBalance(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.PutRawUser("old", []byte("1500000"), t0); err != nil {
		t.Fatalf("seed legacy user: %v", err)
	}

	w := env.do(t, "POST", "/api/v1/admin/users/old/normalize", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Available.Equal(d("1500000")) || !resp.Frozen.IsZero() {
		t.Errorf("unexpected normalized balance: %+v", resp)
	}

	u, err := env.store.GetUser(context.Background(), "old")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.LegacyBalance {
		t.Error("expected the row to be rewritten in the structured form")
	}

	w = env.do(t, "POST", "/api/v1/admin/users/missing/normalize", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", w.Code)
	}
}

func TestGetBalance_RewritesLegacyRow(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.PutRawUser("old", []byte("42.5"), t0); err != nil {
		t.Fatalf("seed legacy user: %v", err)
	}

	if b := env.balance(t, "old"); !b.Available.Equal(d("42.5")) || !b.Total.Equal(d("42.5")) {
		t.Errorf("unexpected balance: %+v", b)
	}
	u, err := env.store.GetUser(context.Background(), "old")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.LegacyBalance {
		t.Error("expected the balance read to normalize the row")
	}
}

// --- Operator logs ---

type fakeEventLog struct {
	events []events.Event
	asked  int64
}

func (f *fakeEventLog) History(_ context.Context, count int64) ([]events.Event, error) {
	f.asked = count
	return f.events, nil
}

func newLogRouter(t *testing.T, d api.Deps) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/api/v1", api.NewService(d).Routes)
	return r
}

func TestListEvents(t *testing.T) {
	evLog := &fakeEventLog{events: []events.Event{{Type: events.TypeSessionOpened, SessionID: "S-20250314-0930"}}}
	r := newLogRouter(t, api.Deps{Events: evLog})

	req := httptest.NewRequest("GET", "/api/v1/admin/events?count=5", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if evLog.asked != 5 {
		t.Errorf("expected count=5 to reach the log, got %d", evLog.asked)
	}
	var got []events.Event
	json.Unmarshal(w.Body.Bytes(), &got)
	if len(got) != 1 || got[0].SessionID != "S-20250314-0930" {
		t.Errorf("unexpected events: %+v", got)
	}

	req = httptest.NewRequest("GET", "/api/v1/admin/events?count=-1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative count, got %d", w.Code)
	}
}

func TestListSettlements_ReplaysWAL(t *testing.T) {
	wal, err := journal.NewWALJournal(t.TempDir(), false)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer wal.Close()
	for _, id := range []string{"S-20250314-0930", "S-20250314-0931"} {
		if err := wal.Record(context.Background(), model.SessionSummary{SessionID: id, Outcome: model.Up}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	r := newLogRouter(t, api.Deps{Settlements: wal})

	req := httptest.NewRequest("GET", "/api/v1/admin/settlements?after=1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []journal.Record
	json.Unmarshal(w.Body.Bytes(), &got)
	if len(got) != 1 || got[0].Index != 2 || got[0].Summary.SessionID != "S-20250314-0931" {
		t.Errorf("unexpected records: %+v", got)
	}

	req = httptest.NewRequest("GET", "/api/v1/admin/settlements?after=x", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad index, got %d", w.Code)
	}
}

func TestOperatorLogs_NotMountedWithoutBackends(t *testing.T) {
	r := newLogRouter(t, api.Deps{})
	for _, path := range []string{"/api/v1/admin/events", "/api/v1/admin/settlements"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

// --- WebSocket ---

func TestWSHub_BroadcastsSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess := env.openSession(t)
	env.now = sess.EndTime
	env.do(t, "POST", "/api/v1/sessions/process", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []api.WSMessage
	for len(got) < 2 {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (got %d messages)", err, len(got))
		}
		got = append(got, msg)
	}

	if got[0].Type != api.MessageSessionOpened || got[0].SessionID != sess.ID {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].Type != api.MessageSessionSettled || got[1].Summary == nil {
		t.Fatalf("unexpected second message: %+v", got[1])
	}
	if got[1].Summary.Outcome != model.Down {
		t.Errorf("expected drawn outcome DOWN, got %s", got[1].Summary.Outcome)
	}
}

func TestWSHub_RelaysBusEvents(t *testing.T) {
	hub := api.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	feed := make(chan events.Event, 1)
	feed <- events.Event{
		Type:      events.TypeSessionSettled,
		SessionID: "S-20250314-0930",
		Summary:   &model.SessionSummary{SessionID: "S-20250314-0930", Outcome: model.Up},
	}
	close(feed)
	hub.Relay(feed)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != api.MessageSessionSettled || msg.Summary == nil || msg.Summary.Outcome != model.Up {
		t.Errorf("unexpected message: %+v", msg)
	}
}
