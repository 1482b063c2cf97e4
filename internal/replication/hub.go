// Package replication broadcasts a world's change journal to websocket peers.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zeusync/entitystore/internal/core/observability/log"
	"github.com/zeusync/entitystore/internal/core/world"
	"github.com/zeusync/entitystore/pkg/concurrent"
	"github.com/zeusync/entitystore/pkg/generic"
)

// Source is what the hub replicates. *world.World satisfies it.
type Source interface {
	Name() string
	Snapshot(includeLocal bool) world.Changes
	Replicate(includeLocal bool, fn func(world.Changes) error) error
}

var _ Source = (*world.World)(nil)

type Options struct {
	// IncludeLocal replicates local component types too. Off for anything
	// sent to remote clients.
	IncludeLocal bool
	WriteTimeout time.Duration
	// MaxConcurrentWrites bounds the fan-out; zero means one goroutine per peer.
	MaxConcurrentWrites int
}

type peer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) send(data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if timeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

type Hub struct {
	source Source
	opts   Options
	log    log.Log

	upgrader websocket.Upgrader
	buffers  *generic.Pool[*bytes.Buffer]

	// flushMu orders snapshots for new peers against delta flushes.
	flushMu sync.Mutex
	mu      sync.RWMutex
	peers   map[string]*peer
	closed  bool
	seq     atomic.Uint64
}

func NewHub(source Source, opts Options, logger log.Log) *Hub {
	if logger == nil {
		logger = log.Provide()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Second
	}
	return &Hub{
		source: source,
		opts:   opts,
		log:    logger.Named("replication").With(log.String("world", source.Name())),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		buffers: generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset),
		peers:   make(map[string]*peer),
	}
}

// ServeHTTP upgrades the request, sends the peer a snapshot and keeps the
// connection registered until the peer goes away. Peers only listen; any
// message they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", log.String("remote", r.RemoteAddr), log.Error(err))
		return
	}
	p := &peer{id: uuid.NewString(), conn: conn}

	if err = h.join(p); err != nil {
		h.log.Warn("peer rejected", log.String("peer", p.id), log.Error(err))
		_ = conn.Close()
		return
	}
	h.log.Info("peer joined", log.String("peer", p.id), log.String("remote", r.RemoteAddr))

	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(p, err)
}

func (h *Hub) join(p *peer) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	data, err := h.encode(KindSnapshot, h.source.Snapshot(h.opts.IncludeLocal))
	if err != nil {
		return err
	}
	if err = p.send(data, h.opts.WriteTimeout); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.peers[p.id] = p
	return nil
}

func (h *Hub) drop(p *peer, cause error) {
	h.mu.Lock()
	_, live := h.peers[p.id]
	delete(h.peers, p.id)
	h.mu.Unlock()
	if !live {
		return
	}
	_ = p.conn.Close()
	h.log.Info("peer left", log.String("peer", p.id), log.Error(cause))
}

// Peers returns the ids of connected peers.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) snapshotPeers() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Flush sends the journal to every peer as one delta frame and clears it.
// A peer whose write fails is disconnected; it gets a fresh snapshot when it
// reconnects. With no peers connected the journal is cleared unsent. If ctx
// ends mid fan-out the journal is kept.
func (h *Hub) Flush(ctx context.Context) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	return h.source.Replicate(h.opts.IncludeLocal, func(changes world.Changes) error {
		if changes.Empty() {
			return nil
		}
		peers := h.snapshotPeers()
		if len(peers) == 0 {
			return nil
		}
		data, err := h.encode(KindDelta, changes)
		if err != nil {
			return err
		}
		err = concurrent.Concurrent(ctx, peers, h.opts.MaxConcurrentWrites, func(ctx context.Context, p *peer) error {
			if err := p.send(data, h.opts.WriteTimeout); err != nil {
				h.drop(p, err)
			}
			return ctx.Err()
		})
		if err != nil {
			return err
		}
		h.log.Debug("delta flushed", log.Int("changes", changes.Len()), log.Int("peers", len(peers)))
		return nil
	})
}

// Run flushes every interval until ctx ends.
func (h *Hub) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				h.log.Warn("flush failed", log.Error(err))
			}
		}
	}
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*peer)
	h.mu.Unlock()

	return concurrent.ParallelCollect(peers, func(p *peer) error {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.opts.WriteTimeout))
		p.writeMu.Unlock()
		return p.conn.Close()
	})
}

func (h *Hub) encode(kind FrameKind, changes world.Changes) ([]byte, error) {
	frame, err := newFrame(h.seq.Add(1), kind, h.source.Name(), changes)
	if err != nil {
		return nil, err
	}
	buf := h.buffers.Get()
	defer h.buffers.Put(buf)
	if err = json.NewEncoder(buf).Encode(frame); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}
