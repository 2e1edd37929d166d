package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/solgammon/gammonrelay/gammon"
)

// RPCClient talks JSON-RPC 2.0 to the node gateway fronting the escrow
// ledger. Account data travels base64-encoded, keys and anchors hex-encoded.
type RPCClient struct {
	url  string
	http *http.Client
	log  slog.Logger

	nextID atomic.Uint64

	// confirmPoll is how often Confirm re-checks a pending signature.
	confirmPoll time.Duration
}

// NewRPCClient returns a client for the gateway at url.
func NewRPCClient(url string, log slog.Logger) *RPCClient {
	return &RPCClient{
		url:         url,
		http:        &http.Client{Timeout: 30 * time.Second},
		log:         log,
		confirmPoll: 500 * time.Millisecond,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: gateway returned %s", method, resp.Status)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: gateway error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// SessionState implements Authority.
func (c *RPCClient) SessionState(ctx context.Context, key gammon.ID) (*SessionState, error) {
	var res struct {
		Data string `json:"data"`
	}
	err := c.call(ctx, "getSessionAccount", map[string]string{"key": key.String()}, &res)
	if err != nil {
		return nil, err
	}
	if res.Data == "" {
		return nil, ErrSessionNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("account data for %s: %w", key, err)
	}
	return DecodeState(raw)
}

// RecentAnchor implements Authority.
func (c *RPCClient) RecentAnchor(ctx context.Context) ([32]byte, error) {
	var anchor [32]byte
	var res struct {
		Anchor string `json:"anchor"`
	}
	if err := c.call(ctx, "getRecentAnchor", nil, &res); err != nil {
		return anchor, err
	}
	b, err := hex.DecodeString(res.Anchor)
	if err != nil || len(b) != 32 {
		return anchor, fmt.Errorf("bad anchor %q", res.Anchor)
	}
	copy(anchor[:], b)
	return anchor, nil
}

// Submit implements Authority.
func (c *RPCClient) Submit(ctx context.Context, rawTx []byte) (string, error) {
	var res struct {
		Signature string `json:"signature"`
	}
	err := c.call(ctx, "submitTransaction",
		map[string]string{"tx": base64.StdEncoding.EncodeToString(rawTx)}, &res)
	if err != nil {
		return "", err
	}
	if res.Signature == "" {
		return "", fmt.Errorf("gateway returned empty signature")
	}
	c.log.Debugf("submitted tx, signature %s", res.Signature)
	return res.Signature, nil
}

// Confirm implements Authority by polling the signature status.
func (c *RPCClient) Confirm(ctx context.Context, sigID string) error {
	t := time.NewTicker(c.confirmPoll)
	defer t.Stop()
	for {
		var res struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		err := c.call(ctx, "getTransactionStatus", map[string]string{"signature": sigID}, &res)
		if err != nil {
			return err
		}
		switch res.Status {
		case "confirmed":
			return nil
		case "rejected":
			if res.Error != "" {
				return fmt.Errorf("%w: %s", ErrTxRejected, res.Error)
			}
			return ErrTxRejected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
