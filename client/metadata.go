package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/solgammon/gammonrelay/relay/relaydb"
)

// MetadataClient talks to the relay's session metadata API. Everything here
// is audit trail; a failed call never affects protocol state.
type MetadataClient struct {
	baseURL string
	hc      *http.Client
}

func NewMetadataClient(baseURL string) *MetadataClient {
	return &MetadataClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

// SessionInfo is the get-session response: the registered record plus the
// recorded action history in sequence order.
type SessionInfo struct {
	Session *relaydb.SessionRecord `json:"session"`
	Actions []relaydb.ActionRecord `json:"actions"`
}

func (m *MetadataClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterSession announces a freshly created escrow session to the relay,
// seeding its routing registry and opening the audit trail.
func (m *MetadataClient) RegisterSession(ctx context.Context, sessionID, playerA, playerB string) error {
	body := map[string]string{
		"session_id": sessionID,
		"player_a":   playerA,
		"player_b":   playerB,
	}
	return m.do(ctx, http.MethodPost, "/sessions", body, nil)
}

// GetSession fetches a session record and its action history.
func (m *MetadataClient) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	if err := m.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AppendAction records one applied move.
func (m *MetadataClient) AppendAction(ctx context.Context, sessionID string, rec *relaydb.ActionRecord) error {
	return m.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/actions", rec, nil)
}
