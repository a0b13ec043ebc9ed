// Package wsstate is the default oracle.State: a gorilla/websocket client
// that multiplexes request/response state queries (pull, locations,
// broadcast) and unsolicited "a peer published this state" push
// notifications over one connection (SPEC_FULL.md §2.20), grounded in the
// teacher's internal/rpc hub/client pattern, inverted from server to
// client since the runtime is always the consumer here.
package wsstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitjig/rund/internal/oracle"
	"github.com/bitjig/rund/pkg/logging"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// PublishFunc is invoked for every unsolicited "state_published" push:
// a peer has a state for location the local cache may not yet have.
// It is strictly a hint — the receiver must still verify/replay, same
// as internal/extras/swarm's gossip announcements.
type PublishFunc func(location, hash string)

// wireRequest/wireResponse are the client<->server JSON envelopes; an
// incoming message with no ID is a push notification, not a response.
type wireRequest struct {
	ID     string            `json:"id"`
	Action string            `json:"action"`
	Key    string            `json:"key,omitempty"`
	Script string            `json:"script,omitempty"`
	RawTx  string            `json:"rawtx,omitempty"`
	Opts   oracle.PullOptions `json:"opts,omitempty"`
}

type wireResponse struct {
	ID        string   `json:"id,omitempty"`
	Type      string   `json:"type,omitempty"`
	Error     string   `json:"error,omitempty"`
	State     any      `json:"state,omitempty"`
	Locations []string `json:"locations,omitempty"`
	Location  string   `json:"location,omitempty"`
	Hash      string   `json:"hash,omitempty"`
}

// Client implements oracle.State over a single persistent websocket
// connection to a state-publishing peer or relay.
type Client struct {
	conn    *websocket.Conn
	log     *logging.Logger
	onPush  PublishFunc
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wireResponse
	closed  bool

	nextID uint64
}

// Dial connects to url (e.g. "wss://host/state") and starts the
// read/keepalive pumps. onPush may be nil if the caller doesn't care
// about push notifications (Pull/Locations/Broadcast still work).
func Dial(url string, onPush PublishFunc) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsstate: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		log:     logging.Default().Component("state"),
		onPush:  onPush,
		pending: map[string]chan wireResponse{},
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.pingLoop()

	return c, nil
}

// Close terminates the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = map[string]chan wireResponse{}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readPump() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug("read pump exiting", "error", err)
			return
		}

		var resp wireResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn("malformed state message", "error", err)
			continue
		}

		if resp.Type == "state_published" {
			if c.onPush != nil {
				c.onPush(resp.Location, resp.Hash)
			}
			continue
		}
		if resp.ID == "" {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// roundTrip sends req and waits for the matching response, or ctx's
// deadline / the connection closing, whichever comes first.
func (c *Client) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	req.ID = fmt.Sprintf("%d", atomic.AddUint64(&c.nextID, 1))

	ch := make(chan wireResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wireResponse{}, fmt.Errorf("wsstate: connection closed")
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("wsstate: encode request: %w", err)
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wireResponse{}, fmt.Errorf("wsstate: send request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wireResponse{}, fmt.Errorf("wsstate: connection closed while waiting for response")
		}
		if resp.Error != "" {
			return wireResponse{}, fmt.Errorf("wsstate: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wireResponse{}, ctx.Err()
	}
}

// Pull fetches the state document for key (spec §6: State.pull).
func (c *Client) Pull(ctx context.Context, key string, opts oracle.PullOptions) (interface{}, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Action: "pull", Key: key, Opts: opts})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// Locations enriches the local blockchain UTXO view with locations the
// peer knows about for scriptHex.
func (c *Client) Locations(ctx context.Context, scriptHex string) ([]string, error) {
	resp, err := c.roundTrip(ctx, wireRequest{Action: "locations", Script: scriptHex})
	if err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

// Broadcast relays rawtx to the peer for its own onward broadcast,
// implementing §6's optional broadcast(rawtx) hook.
func (c *Client) Broadcast(ctx context.Context, rawtx string) error {
	_, err := c.roundTrip(ctx, wireRequest{Action: "broadcast", RawTx: rawtx})
	return err
}

var _ oracle.State = (*Client)(nil)
