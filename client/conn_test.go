package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solgammon/gammonrelay/relay"
	"github.com/solgammon/gammonrelay/relay/relaydb"
	"github.com/solgammon/gammonrelay/wire"
)

// startRelay runs a real relay behind httptest and returns its base URL.
func startRelay(t *testing.T) string {
	t.Helper()
	rs, err := relay.NewServer(relay.ServerConfig{
		DataDir:    t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		Log:        slog.Disabled,
	})
	require.NoError(t, err)
	hs := httptest.NewServer(rs.Handler())
	t.Cleanup(func() {
		hs.Close()
		rs.Close()
	})
	return hs.URL
}

func TestWsEndpoint(t *testing.T) {
	assert.Equal(t, "ws://relay.example:8080/ws", wsEndpoint("http://relay.example:8080"))
	assert.Equal(t, "wss://relay.example/ws", wsEndpoint("https://relay.example/"))
	assert.Equal(t, "ws://relay.example/ws", wsEndpoint("ws://relay.example"))
}

func TestRelayConnRoundTrip(t *testing.T) {
	url := startRelay(t)
	kpA := testKeypair(t, 0x01)
	kpB := testKeypair(t, 0x02)

	meta := NewMetadataClient(url)
	ctx := context.Background()
	require.NoError(t, meta.RegisterSession(ctx, testSession.String(),
		kpA.Pub.String(), kpB.Pub.String()))

	connA, err := DialRelay(ctx, slog.Disabled, url, testSession, kpA.Pub)
	require.NoError(t, err)
	defer connA.Close()
	connB, err := DialRelay(ctx, slog.Disabled, url, testSession, kpB.Pub)
	require.NoError(t, err)
	defer connB.Close()

	// Give both subscribes time to bind before routing.
	time.Sleep(100 * time.Millisecond)

	raw, err := wire.Encode(wire.KindMovePropose, testSession.String(), kpA.Pub.String(),
		&wire.MovePropose{ActionSeq: 1, BoardHex: "00", Dice: []uint8{3, 5}, PartialTxHex: "aa"})
	require.NoError(t, err)
	require.NoError(t, connA.Send(raw))

	select {
	case got := <-connB.Inbound():
		env, err := wire.DecodeEnvelope(got)
		require.NoError(t, err)
		assert.Equal(t, wire.KindMovePropose, env.Kind)
		assert.Equal(t, kpA.Pub.String(), env.From)
	case <-time.After(2 * time.Second):
		t.Fatal("counterpart never received the proposal")
	}

	// The sender's own link stays quiet.
	select {
	case got := <-connA.Inbound():
		t.Fatalf("unexpected echo to sender: %s", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestMetadataClient(t *testing.T) {
	url := startRelay(t)
	kpA := testKeypair(t, 0x01)
	kpB := testKeypair(t, 0x02)

	meta := NewMetadataClient(url)
	ctx := context.Background()
	require.NoError(t, meta.RegisterSession(ctx, testSession.String(),
		kpA.Pub.String(), kpB.Pub.String()))

	// Duplicate registration surfaces the conflict.
	err := meta.RegisterSession(ctx, testSession.String(),
		kpA.Pub.String(), kpB.Pub.String())
	require.Error(t, err)

	require.NoError(t, meta.AppendAction(ctx, testSession.String(), &relaydb.ActionRecord{
		ActionSeq:     1,
		ParticipantID: kpA.Pub.String(),
		BoardHex:      "00ff",
		Dice:          []uint8{2, 6},
	}))

	info, err := meta.GetSession(ctx, testSession.String())
	require.NoError(t, err)
	require.NotNil(t, info.Session)
	assert.Equal(t, kpA.Pub.String(), info.Session.PlayerA)
	require.Len(t, info.Actions, 1)
	assert.Equal(t, uint64(1), info.Actions[0].ActionSeq)
}
