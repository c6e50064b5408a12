package content

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/transport"
)

// Envelope types on the http-like protocol.
const (
	TypeRequest  = "REQUEST"
	TypeResponse = "RESPONSE"
)

// RequestPayload asks a node for a page.
type RequestPayload struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponsePayload carries the page back.
type ResponsePayload struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Kind   Kind   `json:"kind"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body"`
}

// Client fetches pages from other nodes, correlating responses to
// requests by id.
type Client struct {
	selfID  int
	tr      transport.Transport
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan ResponsePayload
}

// NewClient creates a fetch client with a per-request timeout.
func NewClient(selfID int, tr transport.Transport, timeout time.Duration) *Client {
	return &Client{
		selfID:  selfID,
		tr:      tr,
		timeout: timeout,
		pending: make(map[string]chan ResponsePayload),
	}
}

// Attach registers the response handler on d.
func (c *Client) Attach(d *transport.Dispatcher) {
	d.HandleFunc(transport.ProtocolHTTP, TypeResponse, c.onResponse)
}

// Fetch sends req to the node ownerID and waits for the response. The
// request id is assigned here.
func (c *Client) Fetch(ctx context.Context, ownerID int, req RequestPayload) (ResponsePayload, error) {
	req.ID = uuid.NewString()
	ch := make(chan ResponsePayload, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	env, err := transport.NewEnvelope(TypeRequest, c.selfID, req)
	if err != nil {
		return ResponsePayload{}, err
	}
	if err := c.tr.Send(ownerID, transport.ProtocolHTTP, env); err != nil {
		return ResponsePayload{}, fmt.Errorf("send request for %s: %w", req.URL, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return ResponsePayload{}, ctx.Err()
	case <-time.After(c.timeout):
		return ResponsePayload{}, fmt.Errorf("fetching %s from node %d: %w", req.URL, ownerID, rederr.ErrTimeout)
	}
}

func (c *Client) onResponse(msg transport.Message) {
	var resp ResponsePayload
	if err := msg.Envelope.DecodePayload(&resp); err != nil {
		return
	}
	c.mu.Lock()
	ch := c.pending[resp.ID]
	c.mu.Unlock()
	if ch != nil {
		select {
		case ch <- resp:
		default:
		}
	}
}
