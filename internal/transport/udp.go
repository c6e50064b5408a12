package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/httptim/rednetd/internal/pool"
)

// frame is the wire representation of one transport message. Everything
// rides the multicast group; a non-nil Dest marks a unicast frame that
// every other node discards on receive.
type frame struct {
	Protocol string    `json:"protocol"`
	Dest     *int      `json:"dest,omitempty"`
	Envelope Envelope  `json:"envelope"`
}

// UDPConfig configures the multicast transport.
type UDPConfig struct {
	SelfID         int
	MulticastGroup string        // host:port of the shared group
	MaxMessageSize int           // receive buffer size
	Validator      Validator     // envelope integrity window
	Logger         *slog.Logger  // optional
}

// UDPTransport carries the broadcast domain over a UDP multicast group.
//
// Features:
//   - One socket per node; unicast is an addressed frame on the group
//   - Pooled receive buffers to reduce GC pressure under load
//   - Envelope integrity checking before dispatch
//   - Graceful shutdown via Close
type UDPTransport struct {
	selfID    int
	group     *net.UDPAddr
	conn      *net.UDPConn
	sendConn  *net.UDPConn
	box       *mailbox
	validator Validator
	logger    *slog.Logger
	bufs      *pool.Pool[*[]byte]

	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport joins the multicast group and starts the receive loop.
func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	group, err := net.ResolveUDPAddr("udp4", cfg.MulticastGroup)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group: %w", err)
	}
	sendConn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open send socket: %w", err)
	}

	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = 64 * 1024
	}
	_ = conn.SetReadBuffer(maxSize * 4)

	t := &UDPTransport{
		selfID:    cfg.SelfID,
		group:     group,
		conn:      conn,
		sendConn:  sendConn,
		box:       newMailbox(),
		validator: cfg.Validator,
		logger:    cfg.Logger,
		done:      make(chan struct{}),
		bufs: pool.New(func() *[]byte {
			b := make([]byte, maxSize)
			return &b
		}),
	}
	go t.receiveLoop()
	return t, nil
}

func (t *UDPTransport) SelfID() int { return t.selfID }

func (t *UDPTransport) Send(dest int, protocol string, env Envelope) error {
	d := dest
	return t.write(frame{Protocol: protocol, Dest: &d, Envelope: env})
}

func (t *UDPTransport) Broadcast(protocol string, env Envelope) error {
	return t.write(frame{Protocol: protocol, Envelope: env})
}

func (t *UDPTransport) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	// Best effort: a short write or network error is swallowed, higher
	// layers carry the retry logic.
	if _, err := t.sendConn.Write(data); err != nil && t.logger != nil {
		t.logger.Debug("udp send failed", "protocol", f.Protocol, "err", err)
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context, protocol string, timeout time.Duration) (Message, bool) {
	return t.box.receive(ctx, protocol, timeout)
}

// receiveLoop reads frames off the group, filters unicast frames addressed
// elsewhere, validates envelopes, and dispatches to the mailbox.
func (t *UDPTransport) receiveLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		bufPtr := t.bufs.Get()
		buf := *bufPtr

		_ = t.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.bufs.Put(bufPtr)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // deadline poll, check shutdown and retry
			}
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}

		var f frame
		decodeErr := json.Unmarshal(buf[:n], &f)
		t.bufs.Put(bufPtr)
		if decodeErr != nil {
			continue
		}
		if f.Envelope.SenderID == t.selfID {
			continue // our own multicast echo
		}
		if f.Dest != nil && *f.Dest != t.selfID {
			continue // unicast for somebody else
		}
		if err := t.validator.Validate(f.Envelope, time.Now()); err != nil {
			if t.logger != nil {
				t.logger.Debug("dropping envelope", "err", err)
			}
			continue
		}
		t.box.deliver(Message{Protocol: f.Protocol, Envelope: f.Envelope})
	}
}

// Close shuts down the transport and its receive loop.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
		_ = t.sendConn.Close()
		t.box.close()
	})
	return nil
}
