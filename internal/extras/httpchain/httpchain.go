// Package httpchain is the default oracle.Blockchain: a mempool.space-style
// REST indexer client, grounded in the teacher's internal/backend mempool
// client pattern (SPEC_FULL.md §2.19). In-flight GETs are deduplicated and
// both successes and errors are cached briefly, so a burst of loads that
// all need the same UTXO set or the same parent tx don't each cause their
// own round trip (spec §5's "HTTP dedup/cache").
package httpchain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/bitjig/rund/internal/oracle"
)

// Client implements oracle.Blockchain against a mempool.space-compatible
// REST API (mempool.space itself, litecoinspace.org, or a self-hosted
// instance of either).
type Client struct {
	baseURL    string
	net        *chaincfg.Params
	httpClient *http.Client

	dedupTTL time.Duration
	mu       sync.Mutex
	inflight map[string]*call
	cached   map[string]cachedResult
}

// call is an in-flight GET that other callers for the same key can wait
// on instead of issuing their own request.
type call struct {
	done chan struct{}
	body []byte
	err  error
}

type cachedResult struct {
	body    []byte
	err     error
	expires time.Time
}

// New builds a Client against baseURL (e.g. "https://mempool.space/api"),
// reporting net's name via Network(). dedupTTL governs how long both
// successful and failed GETs are remembered before a fresh request is
// allowed to replace them; 0 disables result caching (in-flight dedup
// still applies).
func New(baseURL string, net *chaincfg.Params, dedupTTL time.Duration) *Client {
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		net:        net,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dedupTTL:   dedupTTL,
		inflight:   map[string]*call{},
		cached:     map[string]cachedResult{},
	}
}

// Network reports the chain params' network name (spec §6).
func (c *Client) Network() string {
	return c.net.Name
}

// Broadcast posts rawtx (hex) to the indexer's /tx endpoint and returns
// the resulting txid.
func (c *Client) Broadcast(ctx context.Context, rawtx string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", strings.NewReader(rawtx))
	if err != nil {
		return "", fmt.Errorf("httpchain: build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("httpchain: broadcast: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("httpchain: broadcast rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// Fetch returns rawtx (hex) for txid via the indexer's /tx/{txid}/hex.
func (c *Client) Fetch(ctx context.Context, txid string) (string, error) {
	body, err := c.getDeduped(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// UTXOs resolves scriptHex to its indexer-native address form (the
// mempool.space family keys UTXO lookups by address, not by script) and
// returns its unspent outputs.
func (c *Client) UTXOs(ctx context.Context, scriptHex string) ([]oracle.UTXO, error) {
	addr, err := scriptAddress(scriptHex, c.net)
	if err != nil {
		return nil, fmt.Errorf("httpchain: script to address: %w", err)
	}

	body, err := c.getDeduped(ctx, "/address/"+addr+"/utxo")
	if err != nil {
		return nil, err
	}

	var raw []struct {
		TxID   string `json:"txid"`
		Vout   int    `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed bool `json:"confirmed"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("httpchain: decode utxo list: %w", err)
	}

	utxos := make([]oracle.UTXO, len(raw))
	for i, u := range raw {
		utxos[i] = oracle.UTXO{
			Txid:     u.TxID,
			Vout:     u.Vout,
			Script:   scriptHex,
			Satoshis: u.Value,
		}
	}
	return utxos, nil
}

// Spends reports the txid spending (txid, vout), or "" if it's still
// unspent, via the indexer's /tx/{txid}/outspend/{vout}.
func (c *Client) Spends(ctx context.Context, txid string, vout int) (string, error) {
	body, err := c.getDeduped(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout))
	if err != nil {
		return "", err
	}

	var raw struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("httpchain: decode outspend: %w", err)
	}
	if !raw.Spent {
		return "", nil
	}
	return raw.TxID, nil
}

// Time returns txid's confirmation time in unix milliseconds, or 0 if
// it's still unconfirmed (mempool.space's own status.block_time is
// simply absent for a mempool transaction, so absence means "not yet",
// not an error).
func (c *Client) Time(ctx context.Context, txid string) (int64, error) {
	body, err := c.getDeduped(ctx, "/tx/"+txid)
	if err != nil {
		return 0, err
	}

	var raw struct {
		Status struct {
			Confirmed bool  `json:"confirmed"`
			BlockTime int64 `json:"block_time"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("httpchain: decode tx: %w", err)
	}
	if !raw.Status.Confirmed {
		return 0, nil
	}
	return raw.Status.BlockTime * 1000, nil
}

// getDeduped performs a GET against path, coalescing concurrent callers
// asking for the same path into a single round trip and serving a
// recent result (success or failure alike) straight from cache.
func (c *Client) getDeduped(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	if cr, ok := c.cached[path]; ok && time.Now().Before(cr.expires) {
		c.mu.Unlock()
		return cr.body, cr.err
	}
	if inFlight, ok := c.inflight[path]; ok {
		c.mu.Unlock()
		<-inFlight.done
		return inFlight.body, inFlight.err
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[path] = cl
	c.mu.Unlock()

	cl.body, cl.err = c.get(ctx, path)

	c.mu.Lock()
	delete(c.inflight, path)
	if c.dedupTTL > 0 {
		c.cached[path] = cachedResult{body: cl.body, err: cl.err, expires: time.Now().Add(c.dedupTTL)}
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.body, cl.err
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("httpchain: build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpchain: get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpchain: read response for %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("httpchain: rate limited on %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpchain: %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// scriptAddress converts a raw pubkey/witness script (hex) to the
// single address the indexer's address-keyed endpoints expect.
func scriptAddress(scriptHex string, net *chaincfg.Params) (string, error) {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return "", fmt.Errorf("decode script hex: %w", err)
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net)
	if err != nil {
		return "", fmt.Errorf("extract addresses: %w", err)
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("script does not resolve to exactly one address (got %d)", len(addrs))
	}
	return addrs[0].EncodeAddress(), nil
}

var _ oracle.Blockchain = (*Client)(nil)
