package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Rahil-dope/agentic-pharmacy-system/agent/agents/orchestrator"
	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	statex "github.com/Rahil-dope/agentic-pharmacy-system/agent/state"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/customers"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/inventory"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/orders"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeChat struct {
	mu      sync.Mutex
	outcome orchestrator.TurnOutcome
	err     error
	got     []string
	turns   []*statex.ConversationTurn
}

func (f *fakeChat) HandleMessage(ctx context.Context, customerID int64, text string) (orchestrator.TurnOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, fmt.Sprintf("%d:%s", customerID, text))
	return f.outcome, f.err
}

func (f *fakeChat) Recent(ctx context.Context, customerID int64, limit int) ([]*statex.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < len(f.turns) {
		return f.turns[:limit], nil
	}
	return f.turns, nil
}

func (f *fakeChat) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

type testServer struct {
	server *httptest.Server
	chat   *fakeChat
	ledger *inventory.MemoryLedger
}

func newTestServer(t *testing.T, secret string) testServer {
	t.Helper()

	ledger, err := inventory.NewMemoryLedger(
		domain.Medicine{ID: 1, Name: "Paracetamol", StockQuantity: 5},
		domain.Medicine{ID: 3, Name: "Metformin", StockQuantity: 50, RefillCadence: domain.CadenceDays(30)},
	)
	if err != nil {
		t.Fatalf("NewMemoryLedger() error = %v", err)
	}
	dir := customers.NewMemoryDirectory(domain.Customer{ID: 7, Name: "Asha"})
	store, err := orders.NewStore(ledger, dir, orders.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	err = store.Record(domain.Order{
		IdempotencyKey: "import-1", CustomerID: 7, MedicineID: 3, MedicineName: "Metformin", Quantity: 30,
		Status: domain.OrderConfirmed, CreatedAt: testNow.AddDate(0, 0, -35),
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	chat := &fakeChat{}
	h, err := New(Deps{
		Chat:      chat,
		Ledger:    ledger,
		Orders:    store,
		Customers: dir,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("pharmacy_turns_total 1\n")) }),
	}, secret)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)
	return testServer{server: server, chat: chat, ledger: ledger}
}

func (s testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func signToken(t *testing.T, secret, role string) string {
	t.Helper()
	claims := adminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func TestChatReturnsReplyAndTraceURL(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	orderID := "ord-1"
	s.chat.outcome = orchestrator.TurnOutcome{
		TurnID:   "turn-1",
		Reply:    contractx.ChatReply{Status: contractx.StatusApproved, Message: "Confirmed.", OrderID: &orderID},
		TraceURL: "https://traces.example.com/trace/abc",
	}

	resp, body := s.do(t, http.MethodPost, "/api/chat", "", map[string]any{"customer_id": 7, "message": "5 paracetamol"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var got chatResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Response.Status != contractx.StatusApproved || got.Response.OrderID == nil || *got.Response.OrderID != "ord-1" {
		t.Fatalf("response = %+v", got.Response)
	}
	if got.TraceURL == nil || *got.TraceURL != "https://traces.example.com/trace/abc" {
		t.Fatalf("trace url = %v", got.TraceURL)
	}
	if got := s.chat.calls(); len(got) != 1 || got[0] != "7:5 paracetamol" {
		t.Fatalf("chat calls = %v", got)
	}
}

func TestChatMapsTurnErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind contractx.TurnErrorKind
		want int
	}{
		{contractx.TurnInvalidInput, http.StatusBadRequest},
		{contractx.TurnCustomerNotFound, http.StatusNotFound},
		{contractx.TurnModelUnavailable, http.StatusServiceUnavailable},
		{contractx.TurnLoopExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()

			s := newTestServer(t, "")
			s.chat.outcome = orchestrator.TurnOutcome{Reply: contractx.ChatReply{Status: contractx.StatusError, Message: "Sorry."}}
			s.chat.err = &contractx.TurnError{Kind: tt.kind, Err: fmt.Errorf("boom")}

			resp, body := s.do(t, http.MethodPost, "/api/chat", "", map[string]any{"customer_id": 7, "message": "hi"})
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if !strings.Contains(string(body), `"message":"Sorry."`) || !strings.Contains(string(body), `"trace_url":null`) {
				t.Fatalf("body = %s", body)
			}
		})
	}
}

func TestChatRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	resp, body := s.do(t, http.MethodPost, "/api/chat", "", map[string]any{"customer": "seven"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"status":"error"`) {
		t.Fatalf("body = %s", body)
	}
	if got := s.chat.calls(); len(got) != 0 {
		t.Fatalf("chat was called: %v", got)
	}
}

func TestMedicineEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")

	resp, body := s.do(t, http.MethodGet, "/api/medicines", "", nil)
	var meds []domain.Medicine
	if err := json.Unmarshal(body, &meds); err != nil || resp.StatusCode != http.StatusOK || len(meds) != 2 {
		t.Fatalf("medicines status=%d body=%s err=%v", resp.StatusCode, body, err)
	}

	resp, body = s.do(t, http.MethodGet, "/api/medicines/PARACETAMOL/availability?quantity=6", "", nil)
	var av domain.Availability
	if err := json.Unmarshal(body, &av); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("availability status=%d body=%s err=%v", resp.StatusCode, body, err)
	}
	if av.Available || av.StockQuantity != 5 || av.Requested != 6 {
		t.Fatalf("availability = %+v", av)
	}

	resp, _ = s.do(t, http.MethodGet, "/api/medicines/unobtainium/availability", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown medicine status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/api/medicines/paracetamol/availability?quantity=0", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero quantity status = %d", resp.StatusCode)
	}
}

func TestCustomerEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	s.chat.turns = []*statex.ConversationTurn{statex.NewTurn("turn-2", 7, "b", testNow), statex.NewTurn("turn-1", 7, "a", testNow)}

	resp, body := s.do(t, http.MethodGet, "/api/customers/7/history", "", nil)
	var history []domain.Order
	if err := json.Unmarshal(body, &history); err != nil || resp.StatusCode != http.StatusOK || len(history) != 1 {
		t.Fatalf("history status=%d body=%s err=%v", resp.StatusCode, body, err)
	}

	resp, body = s.do(t, http.MethodGet, "/api/customers/7/refill-alerts", "", nil)
	var alerts []domain.RefillAlert
	if err := json.Unmarshal(body, &alerts); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("refill alerts status=%d body=%s err=%v", resp.StatusCode, body, err)
	}
	if len(alerts) != 1 || alerts[0].DaysOverdue != 5 {
		t.Fatalf("alerts = %+v", alerts)
	}

	resp, body = s.do(t, http.MethodGet, "/api/customers/7/turns?limit=1", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"id":"turn-2"`) || strings.Contains(string(body), "turn-1") {
		t.Fatalf("turns status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = s.do(t, http.MethodGet, "/api/customers/99/history", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown customer status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/api/customers/abc/history", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad customer id status = %d", resp.StatusCode)
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testSecret)

	resp, _ := s.do(t, http.MethodGet, "/api/admin/refill-alerts", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/api/admin/refill-alerts", signToken(t, "wrong", "admin"), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/api/admin/refill-alerts", signToken(t, testSecret, "customer"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("customer role status = %d", resp.StatusCode)
	}

	resp, body := s.do(t, http.MethodGet, "/api/admin/refill-alerts", signToken(t, testSecret, "admin"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d body=%s", resp.StatusCode, body)
	}
	var alerts []adminRefillAlert
	if err := json.Unmarshal(body, &alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 1 || alerts[0].CustomerID != 7 || alerts[0].MedicineName != "Metformin" || alerts[0].DaysOverdue != 5 {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestAdminRestock(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testSecret)
	token := signToken(t, testSecret, "admin")

	resp, body := s.do(t, http.MethodPost, "/api/admin/medicines/1/restock", token, map[string]any{"quantity": 10})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if m, _ := s.ledger.Get(context.Background(), 1); m.StockQuantity != 15 {
		t.Fatalf("stock = %d, want 15", m.StockQuantity)
	}

	resp, _ = s.do(t, http.MethodPost, "/api/admin/medicines/1/restock", token, map[string]any{"quantity": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero quantity status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/api/admin/medicines/1/restock", token, map[string]any{"quantity": int64(math.MaxInt64)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("overflowing quantity status = %d", resp.StatusCode)
	}
	if m, _ := s.ledger.Get(context.Background(), 1); m.StockQuantity != 15 {
		t.Fatalf("stock after overflowing restock = %d, want 15", m.StockQuantity)
	}
	resp, _ = s.do(t, http.MethodPost, "/api/admin/medicines/42/restock", token, map[string]any{"quantity": 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown medicine status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	resp, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz status=%d body=%s", resp.StatusCode, body)
	}
	resp, body = s.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "pharmacy_turns_total") {
		t.Fatalf("metrics status=%d body=%s", resp.StatusCode, body)
	}
}
