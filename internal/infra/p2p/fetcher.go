package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/vietddude/blockstor/internal/indexing/metrics"
)

const outboxSize = 64

// Fetcher is a single-use block fetch session against one peer.
type Fetcher struct {
	cfg  Config
	dial Dialer
	log  *slog.Logger

	conn      net.Conn
	outbox    chan wire.Message
	done      chan struct{}
	handshake chan struct{}
	stopped   atomic.Bool
	stopOnce  sync.Once

	mu         sync.Mutex
	gotVersion bool
	gotVerAck  bool
	inFlight   int
	readErr    error

	// pending holds discovered hashes not yet requested; walkTip is the
	// last discovered hash and the locator for the next getblocks.
	pending      []chainhash.Hash
	seen         map[chainhash.Hash]struct{}
	walkTip      chainhash.Hash
	lastDiscover time.Time

	// prev is the hash the next delivered block must extend.
	prev  chainhash.Hash
	ready []*Block
}

// NewFetcher creates a fetcher. A nil dialer uses net.Dialer.
func NewFetcher(cfg Config, dial Dialer) *Fetcher {
	cfg.applyDefaults()
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Fetcher{
		cfg:       cfg,
		dial:      dial,
		log:       slog.Default().With("component", "p2p", "peer", cfg.Address),
		outbox:    make(chan wire.Message, outboxSize),
		done:      make(chan struct{}),
		handshake: make(chan struct{}),
		seen:      make(map[chainhash.Hash]struct{}),
	}
}

// Start connects, handshakes and begins walking the chain after from.
// from is the local tip hash, or the zero hash when starting from genesis.
func (f *Fetcher) Start(ctx context.Context, from chainhash.Hash) error {
	f.mu.Lock()
	f.prev = from
	f.walkTip = from
	f.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	conn, err := f.dial(dialCtx, "tcp", f.cfg.Address)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	f.conn = conn

	go f.readLoop()
	go f.writeLoop()

	if err := f.send(f.versionMsg()); err != nil {
		f.Stop()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	timer := time.NewTimer(f.cfg.FetchTimeout)
	defer timer.Stop()
	select {
	case <-f.handshake:
	case <-f.done:
		f.Stop()
		return fmt.Errorf("%w: %v", ErrHandshake, f.err())
	case <-timer.C:
		f.Stop()
		return fmt.Errorf("%w: timed out after %v", ErrHandshake, f.cfg.FetchTimeout)
	case <-ctx.Done():
		f.Stop()
		return ctx.Err()
	}

	f.log.Info("peer connected", "from", from)
	return f.discover(true)
}

func (f *Fetcher) versionMsg() *wire.MsgVersion {
	addr := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	msg := wire.NewMsgVersion(addr, addr, rand.Uint64(), 0)
	msg.ProtocolVersion = int32(f.cfg.ProtocolVersion)
	msg.DisableRelayTx = true
	_ = msg.AddUserAgent(f.cfg.UserAgent, "1.0")
	return msg
}

// Next returns the next block in chain order. It polls for up to the fetch
// timeout before giving up with ErrNoResponse.
func (f *Fetcher) Next(ctx context.Context) (*Block, error) {
	deadline := time.Now().Add(f.cfg.FetchTimeout)
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		f.mu.Lock()
		if len(f.ready) > 0 {
			b := f.ready[0]
			f.ready[0] = nil
			f.ready = f.ready[1:]
			f.mu.Unlock()
			f.request()
			return b, nil
		}
		readErr := f.readErr
		f.mu.Unlock()

		if f.stopped.Load() {
			return nil, ErrStopped
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnect, readErr)
		}

		f.request()
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w within %v", ErrNoResponse, f.cfg.FetchTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop suppresses further sends and closes the connection. Blocks already
// delivered stay available to Next.
func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() {
		f.stopped.Store(true)
		if f.conn != nil {
			f.conn.Close()
		}
		metrics.FetchInFlight.Set(0)
	})
}

// Done is closed when the read loop exits.
func (f *Fetcher) Done() <-chan struct{} {
	return f.done
}

func (f *Fetcher) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readErr
}

func (f *Fetcher) send(msg wire.Message) error {
	if f.stopped.Load() {
		return ErrStopped
	}
	select {
	case f.outbox <- msg:
		return nil
	case <-f.done:
		return ErrStopped
	}
}

func (f *Fetcher) writeLoop() {
	for {
		select {
		case <-f.done:
			return
		case msg := <-f.outbox:
			if f.stopped.Load() {
				continue
			}
			_, err := wire.WriteMessageWithEncodingN(f.conn, msg,
				f.cfg.ProtocolVersion, f.cfg.Net, wire.WitnessEncoding)
			if err != nil {
				f.log.Debug("write failed", "command", msg.Command(), "err", err)
				f.conn.Close()
				return
			}
		}
	}
}

func (f *Fetcher) readLoop() {
	defer close(f.done)
	for {
		_, msg, payload, err := wire.ReadMessageWithEncodingN(f.conn,
			f.cfg.ProtocolVersion, f.cfg.Net, wire.WitnessEncoding)
		if err != nil {
			var msgErr *wire.MessageError
			if errors.As(err, &msgErr) && !f.stopped.Load() {
				// Unknown command or bad checksum; the frame was consumed.
				f.log.Debug("skipping message", "err", err)
				continue
			}
			f.mu.Lock()
			f.readErr = err
			f.mu.Unlock()
			if !f.stopped.Load() {
				f.log.Warn("peer disconnected", "err", err)
			}
			return
		}
		f.handle(msg, payload)
	}
}

func (f *Fetcher) handle(msg wire.Message, payload []byte) {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		f.log.Debug("peer version", "agent", m.UserAgent, "version", m.ProtocolVersion, "height", m.LastBlock)
		_ = f.send(wire.NewMsgVerAck())
		f.markHandshake(func() { f.gotVersion = true })
	case *wire.MsgVerAck:
		f.markHandshake(func() { f.gotVerAck = true })
	case *wire.MsgPing:
		_ = f.send(wire.NewMsgPong(m.Nonce))
	case *wire.MsgInv:
		f.onInv(m)
	case *wire.MsgBlock:
		f.onBlock(m, payload)
	case *wire.MsgNotFound:
		f.onNotFound(m)
	case *wire.MsgReject:
		f.log.Warn("peer rejected message",
			"cmd", m.Cmd, "code", m.Code.String(), "reason", m.Reason, "hash", m.Hash)
	}
}

func (f *Fetcher) markHandshake(set func()) {
	f.mu.Lock()
	set()
	complete := f.gotVersion && f.gotVerAck
	f.mu.Unlock()
	if complete {
		select {
		case <-f.handshake:
		default:
			close(f.handshake)
		}
	}
}

func (f *Fetcher) onInv(m *wire.MsgInv) {
	f.mu.Lock()
	added := 0
	for _, iv := range m.InvList {
		if iv.Type != wire.InvTypeBlock && iv.Type != wire.InvTypeWitnessBlock {
			continue
		}
		if _, ok := f.seen[iv.Hash]; ok {
			continue
		}
		f.seen[iv.Hash] = struct{}{}
		f.pending = append(f.pending, iv.Hash)
		f.walkTip = iv.Hash
		added++
	}
	f.mu.Unlock()
	if added > 0 {
		f.log.Debug("discovered blocks", "count", added)
	}
	f.request()
}

func (f *Fetcher) onBlock(m *wire.MsgBlock, payload []byte) {
	hash := m.BlockHash()

	f.mu.Lock()
	if f.inFlight > 0 {
		f.inFlight--
	}
	if m.Header.PrevBlock != f.prev {
		f.mu.Unlock()
		f.log.Debug("dropping out-of-order block", "hash", hash, "prev", m.Header.PrevBlock)
		f.request()
		return
	}
	f.prev = hash
	f.ready = append(f.ready, &Block{Hash: hash, Msg: m, Raw: payload})
	f.mu.Unlock()

	f.request()
}

func (f *Fetcher) onNotFound(m *wire.MsgNotFound) {
	f.mu.Lock()
	for _, iv := range m.InvList {
		if (iv.Type == wire.InvTypeBlock || iv.Type == wire.InvTypeWitnessBlock) && f.inFlight > 0 {
			f.inFlight--
		}
	}
	f.mu.Unlock()
	f.request()
}

// request issues getdata batches while the window has room. Blocks waiting
// for the consumer count against the window. When every discovered hash has
// been delivered it continues the walk with getblocks.
func (f *Fetcher) request() {
	for !f.stopped.Load() {
		f.mu.Lock()
		if f.inFlight+len(f.ready) >= f.cfg.InFlight {
			f.mu.Unlock()
			return
		}
		n := min(len(f.pending), f.cfg.GetDataBatch)
		if n == 0 {
			idle := f.inFlight == 0
			f.mu.Unlock()
			if idle {
				_ = f.discover(false)
			}
			return
		}
		batch := f.pending[:n]
		f.pending = f.pending[n:]
		f.inFlight += n
		inFlight := f.inFlight
		f.mu.Unlock()

		getData := wire.NewMsgGetDataSizeHint(uint(n))
		for i := range batch {
			_ = getData.AddInvVect(wire.NewInvVect(wire.InvTypeWitnessBlock, &batch[i]))
		}
		metrics.FetchInFlight.Set(float64(inFlight))
		if err := f.send(getData); err != nil {
			f.log.Debug("getdata not sent", "err", err)
			return
		}
	}
}

// discover asks the peer for the hashes following the walk tip. Repeats
// are spaced by the fetch timeout so an idle peer is not flooded.
func (f *Fetcher) discover(force bool) error {
	f.mu.Lock()
	if !force && time.Since(f.lastDiscover) < f.cfg.FetchTimeout/2 {
		f.mu.Unlock()
		return nil
	}
	f.lastDiscover = time.Now()
	locator := f.walkTip
	f.mu.Unlock()

	msg := wire.NewMsgGetBlocks(&chainhash.Hash{})
	if err := msg.AddBlockLocatorHash(&locator); err != nil {
		return err
	}
	return f.send(msg)
}
