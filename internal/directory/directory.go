// Package directory tracks connected clients and their outbound queues.
package directory

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultQueueSize = 64

// Listener is told about clients joining and leaving. Callbacks run on the
// caller's goroutine after the directory lock is released.
type Listener interface {
	OnClientAdded(id string)
	OnClientRemoved(id string)
}

type Client struct {
	ID        string
	Remote    string
	Connected time.Time

	out     chan []byte
	done    chan struct{}
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// SendPacket queues pkt without blocking. It fails when the client is gone
// or its queue is full.
func (c *Client) SendPacket(pkt []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- pkt:
		c.sent.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Outbound is drained by the transport writer.
func (c *Client) Outbound() <-chan []byte { return c.out }

// Done is closed when the client is removed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Dropped() uint64 { return c.dropped.Load() }

type ClientInfo struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
	Queued    int       `json:"queued"`
	Sent      uint64    `json:"sent"`
	Dropped   uint64    `json:"dropped"`
}

type Directory struct {
	queueSize int
	log       *zap.SugaredLogger

	mu        sync.RWMutex
	clients   map[string]*Client
	listeners []Listener
}

func New(queueSize int, log *zap.SugaredLogger) *Directory {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Directory{queueSize: queueSize, log: log, clients: make(map[string]*Client)}
}

func (d *Directory) AddListener(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Add registers a new client under a fresh id.
func (d *Directory) Add(remote string) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		Remote:    remote,
		Connected: time.Now(),
		out:       make(chan []byte, d.queueSize),
		done:      make(chan struct{}),
	}
	d.mu.Lock()
	d.clients[c.ID] = c
	ls := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	d.log.Infow("client connected", "client", c.ID, "remote", remote)
	for _, l := range ls {
		l.OnClientAdded(c.ID)
	}
	return c
}

// Remove drops the client and closes its Done channel. Removing an unknown
// id is a no-op.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	c, ok := d.clients[id]
	delete(d.clients, id)
	ls := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()
	if !ok {
		return false
	}
	close(c.done)
	d.log.Infow("client disconnected", "client", id, "sent", c.sent.Load(), "dropped", c.dropped.Load())
	for _, l := range ls {
		l.OnClientRemoved(id)
	}
	return true
}

func (d *Directory) Get(id string) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[id]
	return c, ok
}

func (d *Directory) SendTo(id string, pkt []byte) bool {
	c, ok := d.Get(id)
	return ok && c.SendPacket(pkt)
}

// Broadcast queues pkt for every client except the one named and returns
// how many accepted it.
func (d *Directory) Broadcast(pkt []byte, except string) int {
	d.mu.RLock()
	targets := make([]*Client, 0, len(d.clients))
	for id, c := range d.clients {
		if id != except {
			targets = append(targets, c)
		}
	}
	d.mu.RUnlock()
	n := 0
	for _, c := range targets {
		if c.SendPacket(pkt) {
			n++
		}
	}
	return n
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}

func (d *Directory) Clients() []ClientInfo {
	d.mu.RLock()
	out := make([]ClientInfo, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, ClientInfo{
			ID:        c.ID,
			Remote:    c.Remote,
			Connected: c.Connected,
			Queued:    len(c.out),
			Sent:      c.sent.Load(),
			Dropped:   c.dropped.Load(),
		})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connected.Before(out[j].Connected) })
	return out
}
