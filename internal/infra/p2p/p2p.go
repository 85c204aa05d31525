// Package p2p is a minimal peer client that fetches historical blocks over
// the peer wire protocol to speed up bulk catch-up.
//
// The Fetcher handshakes, walks the peer's chain with getblocks starting at
// a known hash, keeps a bounded window of getdata requests in flight and
// hands blocks to its consumer strictly in chain order. Blocks that do not
// extend the last delivered one are dropped.
package p2p

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrConnect is returned when the peer cannot be reached or the
	// connection was lost.
	ErrConnect = errors.New("peer connect failed")

	// ErrHandshake is returned when version/verack did not complete in time.
	ErrHandshake = errors.New("peer handshake failed")

	// ErrNoResponse is returned when no block arrived within the fetch timeout.
	ErrNoResponse = errors.New("peer sent no block")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("fetcher stopped")
)

// Config holds peer fetch settings.
type Config struct {
	Address         string
	Net             wire.BitcoinNet
	ProtocolVersion uint32
	InFlight        int
	GetDataBatch    int
	PollInterval    time.Duration
	FetchTimeout    time.Duration
	UserAgent       string
}

func (c *Config) applyDefaults() {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = wire.ProtocolVersion
	}
	if c.InFlight <= 0 {
		c.InFlight = 50
	}
	if c.GetDataBatch <= 0 {
		c.GetDataBatch = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "blockstor"
	}
}

// Dialer opens the connection to the peer.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Block is a delivered block. Raw is the exact serialized payload.
type Block struct {
	Hash chainhash.Hash
	Msg  *wire.MsgBlock
	Raw  []byte
}
