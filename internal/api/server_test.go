package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ephemeral-examples/ledgersync/config"
	"github.com/ephemeral-examples/ledgersync/internal/client"
	"github.com/ephemeral-examples/ledgersync/internal/delegation"
	"github.com/ephemeral-examples/ledgersync/internal/engine"
	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/ledger/ledgertest"
	"github.com/ephemeral-examples/ledgersync/internal/program"
)

// =============================================================================
// Test Helpers
// =============================================================================

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testEnv struct {
	server    *Server
	counterID solana.PublicKey
	client    *client.Client
	base      *ledgertest.Fake
	eph       *ledgertest.Fake
}

func setupTestServer(t *testing.T, initialize bool) *testEnv {
	t.Helper()
	allow := true
	cfg := config.Default()
	cfg.BaseEndpoint = "http://127.0.0.1:8899"
	cfg.EphemeralEndpoint = "http://127.0.0.1:7799"
	cfg.AllowTopUp = &allow
	counterID := solana.NewWallet().PublicKey()
	cfg.CounterProgramID = counterID.String()
	cfg.DiceProgramID = solana.NewWallet().PublicKey().String()
	cfg.RetryMinMs = 1
	cfg.RetryMaxMs = 2

	set, base, eph := ledgertest.NewSet()
	c, err := client.NewWithLedgers(cfg, set)
	require.NoError(t, err)
	t.Cleanup(func() { c.Teardown() })
	if initialize {
		require.NoError(t, c.Init(context.Background()))
	}
	return &testEnv{server: NewServer(c), counterID: counterID, client: c, base: base, eph: eph}
}

// delegateCounter places the counter at count on both ledgers with the base
// copy delegated.
func (e *testEnv) delegateCounter(t *testing.T, count uint64) {
	t.Helper()
	primary, _, _ := e.client.Identities()
	counter := program.Counter{ProgramID: e.counterID}
	addr, err := counter.Address(primary.PublicKey())
	require.NoError(t, err)
	data, err := program.Encode(counter.Layout(), program.State{Sequence: count, Authority: primary.PublicKey()})
	require.NoError(t, err)
	e.base.SetAccount(addr, &ledger.AccountInfo{Owner: delegation.ProgramID, Lamports: 1, Data: data})
	e.eph.SetAccount(addr, &ledger.AccountInfo{Owner: counter.ProgramID, Lamports: 1, Data: data})
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	var result map[string]interface{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && strings.HasPrefix(rr.Body.String(), "{") {
		json.Unmarshal(rr.Body.Bytes(), &result)
	}
	return rr, result
}

// =============================================================================
// Tests
// =============================================================================

func TestHealth(t *testing.T) {
	env := setupTestServer(t, true)
	rr, _ := do(t, env.server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")
}

func TestDispatch_NotInitialized(t *testing.T) {
	env := setupTestServer(t, false)
	rr, result := do(t, env.server, http.MethodPost, "/slots/counter/dispatch")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotEmpty(t, result["error"])
}

func TestDispatch_UnknownFlow(t *testing.T) {
	env := setupTestServer(t, true)
	rr, _ := do(t, env.server, http.MethodPost, "/slots/lottery/dispatch")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDispatch_BusySlotConflicts(t *testing.T) {
	env := setupTestServer(t, true)
	env.delegateCounter(t, 2)

	rr, first := do(t, env.server, http.MethodPost, "/slots/counter/dispatch")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, "submitting", first["state"])
	id, _ := first["id"].(string)
	require.NotEmpty(t, id)

	rr, result := do(t, env.server, http.MethodPost, "/slots/counter/dispatch")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, result["error"], "busy")

	// in-flight actions cannot be evicted
	rr, _ = do(t, env.server, http.MethodDelete, "/slots/counter/history/"+id)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, action := do(t, env.server, http.MethodGet, "/slots/counter/history/"+id)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, id, action["id"])
}

func TestHistoryAndEvict(t *testing.T) {
	env := setupTestServer(t, true)
	env.delegateCounter(t, 2)

	rr, first := do(t, env.server, http.MethodPost, "/slots/counter/dispatch")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id := first["id"].(string)

	slot, ok := env.client.Slot(client.FlowCounter)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(env.eph.Sent()) == 1 }, waitFor, tick)
	env.delegateCounter(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	rec, err := slot.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.Resolved, rec.State, rec.Error)

	rr, _ = do(t, env.server, http.MethodGet, "/slots/counter/history")
	require.Equal(t, http.StatusOK, rr.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "resolved", history[0]["state"])

	rr, _ = do(t, env.server, http.MethodDelete, "/slots/counter/history/"+id)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr, _ = do(t, env.server, http.MethodDelete, "/slots/counter/history/"+id)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHistory_SlotNotOpen(t *testing.T) {
	env := setupTestServer(t, true)
	rr, _ := do(t, env.server, http.MethodGet, "/slots/dice/history")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNotices_DrainedOnce(t *testing.T) {
	env := setupTestServer(t, true)
	env.delegateCounter(t, 2)
	env.eph.OnSend(func(*solana.Transaction) error { return errors.New("custom program error: 0x1770") })

	rr, _ := do(t, env.server, http.MethodGet, "/slots/counter/notices")
	assert.Equal(t, http.StatusNotFound, rr.Code, "slot not open yet")

	rr, first := do(t, env.server, http.MethodPost, "/slots/counter/dispatch")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id := first["id"].(string)

	slot, ok := env.client.Slot(client.FlowCounter)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	rec, err := slot.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.Failed, rec.State)

	rr, _ = do(t, env.server, http.MethodGet, "/slots/counter/notices")
	require.Equal(t, http.StatusOK, rr.Code)
	var notices []engine.Notice
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &notices))
	require.Len(t, notices, 1)
	assert.Equal(t, engine.NoticeFailure, notices[0].Kind)
	assert.Equal(t, id, notices[0].ActionID)
	assert.Contains(t, notices[0].Message, "0x1770")

	rr, _ = do(t, env.server, http.MethodGet, "/slots/counter/notices")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestSlotsAndStatus(t *testing.T) {
	env := setupTestServer(t, true)

	rr, _ := do(t, env.server, http.MethodGet, "/slots")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	env.delegateCounter(t, 5)
	_, err := env.client.Counter(context.Background())
	require.NoError(t, err)

	rr, _ = do(t, env.server, http.MethodGet, "/slots")
	require.Equal(t, http.StatusOK, rr.Code)
	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "counter", views[0]["flow"])

	rr, status := do(t, env.server, http.MethodGet, "/slots/counter")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, status["delegated"])
	assert.Equal(t, "ephemeral", status["route"])
}

func TestDelegate_Conflicts(t *testing.T) {
	env := setupTestServer(t, true)

	rr, _ := do(t, env.server, http.MethodPost, "/slots/counter/delegate")
	assert.Equal(t, http.StatusConflict, rr.Code, "uninitialized account")

	env.delegateCounter(t, 1)
	rr, _ = do(t, env.server, http.MethodPost, "/slots/counter/delegate")
	assert.Equal(t, http.StatusConflict, rr.Code, "already delegated")

	rr, result := do(t, env.server, http.MethodPost, "/slots/counter/undelegate")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, result["signature"])
}

func TestSession(t *testing.T) {
	env := setupTestServer(t, true)
	rr, result := do(t, env.server, http.MethodPost, "/session")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	token, ok := env.client.SessionToken()
	require.True(t, ok)
	assert.Equal(t, token.String(), result["token"])
}

func TestMetrics(t *testing.T) {
	env := setupTestServer(t, true)
	rr, _ := do(t, env.server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ledgersync_active_watches")
}
