package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solgammon/gammonrelay/gammon"
)

func testLogger() slog.Logger {
	return slog.Disabled
}

// gatewayHandler is a scriptable JSON-RPC endpoint.
type gatewayHandler struct {
	statusPolls atomic.Int32
	state       []byte
	rejectTx    bool
}

func (g *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply := func(result interface{}) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}
	switch req.Method {
	case "getSessionAccount":
		if g.state == nil {
			reply(map[string]string{})
			return
		}
		reply(map[string]string{"data": base64.StdEncoding.EncodeToString(g.state)})
	case "getRecentAnchor":
		reply(map[string]string{"anchor": hex.EncodeToString(make([]byte, 31)) + "aa"})
	case "submitTransaction":
		if g.rejectTx {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32000, "message": "invalid transaction"},
			})
			return
		}
		reply(map[string]string{"signature": "sig123"})
	case "getTransactionStatus":
		if g.statusPolls.Add(1) < 3 {
			reply(map[string]string{"status": "pending"})
			return
		}
		reply(map[string]string{"status": "confirmed"})
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
	}
}

func TestRPCClientSessionState(t *testing.T) {
	g := &gatewayHandler{state: EncodeState(sampleState())}
	srv := httptest.NewServer(g)
	defer srv.Close()

	c := NewRPCClient(srv.URL, testLogger())
	st, err := c.SessionState(context.Background(), gammon.ID{0x51})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), st.GameID)

	g.state = nil
	_, err = c.SessionState(context.Background(), gammon.ID{0x51})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRPCClientRecentAnchor(t *testing.T) {
	srv := httptest.NewServer(&gatewayHandler{})
	defer srv.Close()

	c := NewRPCClient(srv.URL, testLogger())
	anchor, err := c.RecentAnchor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), anchor[31])
}

func TestRPCClientSubmitAndConfirm(t *testing.T) {
	g := &gatewayHandler{}
	srv := httptest.NewServer(g)
	defer srv.Close()

	c := NewRPCClient(srv.URL, testLogger())
	c.confirmPoll = 5 * time.Millisecond

	sig, err := c.Submit(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "sig123", sig)

	require.NoError(t, c.Confirm(context.Background(), sig))
	assert.GreaterOrEqual(t, g.statusPolls.Load(), int32(3))
}

func TestRPCClientSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(&gatewayHandler{rejectTx: true})
	defer srv.Close()

	c := NewRPCClient(srv.URL, testLogger())
	_, err := c.Submit(context.Background(), []byte{1})
	assert.Error(t, err)
}

func TestRPCClientConfirmContextCancel(t *testing.T) {
	// Gateway that always answers pending.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID uint64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]string{"status": "pending"},
		})
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL, testLogger())
	c.confirmPoll = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Confirm(ctx, "sig")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
