package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/relay/relaydb"
	"github.com/solgammon/gammonrelay/wire"
)

var (
	sessKey1 = gammon.ID{0x51, 0xaa}
	sessKey2 = gammon.ID{0x62, 0xbb}
	playerA  = gammon.ID{0x0a}
	playerB  = gammon.ID{0x0b}
	playerC  = gammon.ID{0x0c}
	playerD  = gammon.ID{0x0d}
)

// newTestServer builds a Server on a temp database and exposes its mux over
// httptest. The returned base URL serves both /ws and the metadata API.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s, err := NewServer(ServerConfig{
		DataDir:    t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		Log:        slog.Disabled,
	})
	require.NoError(t, err)
	hs := httptest.NewServer(s.apiMux())
	t.Cleanup(func() {
		hs.Close()
		s.Close()
	})
	return s, hs.URL
}

func registerSession(t *testing.T, baseURL string, key, pa, pb gammon.ID) {
	t.Helper()
	body, _ := json.Marshal(&registerSessionReq{
		SessionID: key.String(),
		PlayerA:   pa.String(),
		PlayerB:   pb.String(),
	})
	resp, err := http.Post(baseURL+"/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func dialWS(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, kind wire.Kind, session, from gammon.ID, payload interface{}) {
	t.Helper()
	raw, err := wire.Encode(kind, session.String(), from.String(), payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *wire.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

// expectSilence asserts nothing arrives on ws within the window.
func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, raw, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message: %s", raw)
	}
}

// subscribe binds the connection and waits for the binding to land so a
// following send cannot race it.
func subscribe(t *testing.T, s *Server, ws *websocket.Conn, session, from gammon.ID, want int) {
	t.Helper()
	sendEnvelope(t, ws, wire.KindSubscribe, session, from, nil)
	require.Eventually(t, func() bool {
		return s.coord.SessionConns(session) >= want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouteToCounterpartOnly(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	wsA := dialWS(t, url)
	wsB := dialWS(t, url)
	subscribe(t, s, wsA, sessKey1, playerA, 1)
	subscribe(t, s, wsB, sessKey1, playerB, 2)

	sendEnvelope(t, wsA, wire.KindMovePropose, sessKey1, playerA, &wire.MovePropose{
		ActionSeq:    1,
		BoardHex:     "00ff",
		Dice:         []uint8{3, 5},
		PartialTxHex: "deadbeef",
	})

	env := readEnvelope(t, wsB)
	assert.Equal(t, wire.KindMovePropose, env.Kind)
	assert.Equal(t, playerA.String(), env.From)
	var mp wire.MovePropose
	require.NoError(t, env.Unpack(&mp))
	assert.Equal(t, uint64(1), mp.ActionSeq)
	assert.Equal(t, "deadbeef", mp.PartialTxHex)

	// The proposer's own connection never sees the echo.
	expectSilence(t, wsA)
}

func TestSessionIsolation(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)
	registerSession(t, url, sessKey2, playerC, playerD)

	wsA := dialWS(t, url)
	wsB := dialWS(t, url)
	wsC := dialWS(t, url)
	wsD := dialWS(t, url)
	subscribe(t, s, wsA, sessKey1, playerA, 1)
	subscribe(t, s, wsB, sessKey1, playerB, 2)
	subscribe(t, s, wsC, sessKey2, playerC, 1)
	subscribe(t, s, wsD, sessKey2, playerD, 2)

	sendEnvelope(t, wsA, wire.KindMovePropose, sessKey1, playerA, &wire.MovePropose{ActionSeq: 1})

	env := readEnvelope(t, wsB)
	assert.Equal(t, wire.KindMovePropose, env.Kind)
	expectSilence(t, wsC)
	expectSilence(t, wsD)
}

func TestSubscribeRequired(t *testing.T) {
	_, url := newTestServer(t)
	ws := dialWS(t, url)

	sendEnvelope(t, ws, wire.KindMovePropose, sessKey1, playerA, &wire.MovePropose{ActionSeq: 1})

	env := readEnvelope(t, ws)
	require.Equal(t, wire.KindError, env.Kind)
	var em wire.ErrorMsg
	require.NoError(t, env.Unpack(&em))
	assert.Contains(t, em.Message, "not subscribed")
}

func TestSubscribeRejectsNonMember(t *testing.T) {
	_, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	ws := dialWS(t, url)
	sendEnvelope(t, ws, wire.KindSubscribe, sessKey1, playerC, nil)

	env := readEnvelope(t, ws)
	require.Equal(t, wire.KindError, env.Kind)
	var em wire.ErrorMsg
	require.NoError(t, env.Unpack(&em))
	assert.Contains(t, em.Message, "not a participant")
}

func TestSubscribeRejectsUnknownSession(t *testing.T) {
	_, url := newTestServer(t)
	ws := dialWS(t, url)
	sendEnvelope(t, ws, wire.KindSubscribe, sessKey1, playerA, nil)

	env := readEnvelope(t, ws)
	assert.Equal(t, wire.KindError, env.Kind)
}

func TestMalformedMessageErrorsToOriginOnly(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	wsA := dialWS(t, url)
	wsB := dialWS(t, url)
	subscribe(t, s, wsA, sessKey1, playerA, 1)
	subscribe(t, s, wsB, sessKey1, playerB, 2)

	require.NoError(t, wsA.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, wsA)
	assert.Equal(t, wire.KindError, env.Kind)
	expectSilence(t, wsB)
}

func TestSenderIdentityMustMatchBinding(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	wsA := dialWS(t, url)
	wsB := dialWS(t, url)
	subscribe(t, s, wsA, sessKey1, playerA, 1)
	subscribe(t, s, wsB, sessKey1, playerB, 2)

	// Claiming the counterpart's identity is refused at the origin.
	sendEnvelope(t, wsA, wire.KindMovePropose, sessKey1, playerB, &wire.MovePropose{ActionSeq: 1})

	env := readEnvelope(t, wsA)
	assert.Equal(t, wire.KindError, env.Kind)
	expectSilence(t, wsB)
}

func TestTurnAnnounceUpdatesRegistry(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	wsA := dialWS(t, url)
	wsB := dialWS(t, url)
	subscribe(t, s, wsA, sessKey1, playerA, 1)
	subscribe(t, s, wsB, sessKey1, playerB, 2)

	sendEnvelope(t, wsA, wire.KindTurnAnnounce, sessKey1, playerA, &wire.TurnAnnounce{
		ActionSeq:    4,
		NewTurnOwner: playerB.String(),
	})

	env := readEnvelope(t, wsB)
	require.Equal(t, wire.KindTurnAnnounce, env.Kind)

	sess, err := s.registry.Lookup(sessKey1)
	require.NoError(t, err)
	assert.Equal(t, playerB, sess.TurnOwner)
	assert.Equal(t, uint64(4), sess.Seq)
}

func TestSessionFinishedDeliversThenEvicts(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	wsA := dialWS(t, url)
	wsB := dialWS(t, url)
	subscribe(t, s, wsA, sessKey1, playerA, 1)
	subscribe(t, s, wsB, sessKey1, playerB, 2)

	sendEnvelope(t, wsA, wire.KindSessionFinished, sessKey1, playerA, &wire.SessionFinished{
		Winner: playerA.String(),
	})

	env := readEnvelope(t, wsB)
	require.Equal(t, wire.KindSessionFinished, env.Kind)
	var sf wire.SessionFinished
	require.NoError(t, env.Unpack(&sf))
	assert.Equal(t, playerA.String(), sf.Winner)

	require.Eventually(t, func() bool {
		_, err := s.registry.Lookup(sessKey1)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnbindOnDisconnect(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	ws := dialWS(t, url)
	subscribe(t, s, ws, sessKey1, playerA, 1)

	ws.Close()
	require.Eventually(t, func() bool {
		return s.coord.SessionConns(sessKey1) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPRegisterAndFetch(t *testing.T) {
	s, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	// Duplicate registration conflicts.
	body, _ := json.Marshal(&registerSessionReq{
		SessionID: sessKey1.String(),
		PlayerA:   playerA.String(),
		PlayerB:   playerB.String(),
	})
	resp, err := http.Post(url+"/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Registration seeded the routing registry.
	sess, err := s.registry.Lookup(sessKey1)
	require.NoError(t, err)
	assert.Equal(t, playerA, sess.PlayerA)
	assert.Equal(t, playerB, sess.PlayerB)

	resp, err = http.Get(url + "/sessions/" + sessKey1.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sr sessionResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	assert.Equal(t, playerA.String(), sr.Session.PlayerA)
	assert.Empty(t, sr.Actions)
}

func TestHTTPAppendAction(t *testing.T) {
	_, url := newTestServer(t)
	registerSession(t, url, sessKey1, playerA, playerB)

	act := &relaydb.ActionRecord{
		ActionSeq:     1,
		ParticipantID: playerA.String(),
		BoardHex:      "00ff",
		Dice:          []uint8{6, 1},
	}
	body, _ := json.Marshal(act)
	actionsURL := fmt.Sprintf("%s/sessions/%s/actions", url, sessKey1)
	resp, err := http.Post(actionsURL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Replays conflict.
	resp, err = http.Post(actionsURL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(url + "/sessions/" + sessKey1.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	var sr sessionResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	require.Len(t, sr.Actions, 1)
	assert.Equal(t, uint64(1), sr.Actions[0].ActionSeq)

	resp, err = http.Get(url + "/sessions/" + sessKey2.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRunShutsDownCleanly(t *testing.T) {
	s, err := NewServer(ServerConfig{
		DataDir:    t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		Log:        slog.Disabled,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
