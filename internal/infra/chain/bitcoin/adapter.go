package bitcoin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/vietddude/blockstor/internal/infra/chain"
	"github.com/vietddude/blockstor/internal/infra/rpc/provider"
)

// ErrNotFound is chain.ErrNotFound, re-exported for callers of this package.
var ErrNotFound = chain.ErrNotFound

// RPCClient executes node RPC operations.
type RPCClient interface {
	Execute(ctx context.Context, op provider.Operation) (json.RawMessage, error)
}

// BitcoinAdapter implements chain.Node against a bitcoind-compatible node.
type BitcoinAdapter struct {
	client RPCClient
	log    *slog.Logger
}

var _ chain.Node = (*BitcoinAdapter)(nil)

func NewBitcoinAdapter(client RPCClient) *BitcoinAdapter {
	return &BitcoinAdapter{
		client: client,
		log:    slog.Default().With("component", "node"),
	}
}

func (a *BitcoinAdapter) execute(ctx context.Context, out any, method string, params ...any) error {
	result, err := a.client.Execute(ctx, provider.NewOperation(method, params...))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", method, err)
	}
	return nil
}

// notFound maps the node's "no such entity" codes onto ErrNotFound.
func notFound(err error, codes ...int) error {
	code, ok := provider.ErrorCode(err)
	if !ok {
		return err
	}
	for _, c := range codes {
		if code == c {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

func (a *BitcoinAdapter) GetBlockCount(ctx context.Context) (uint32, error) {
	var height uint32
	if err := a.execute(ctx, &height, "getblockcount"); err != nil {
		return 0, fmt.Errorf("failed to get block count: %w", err)
	}
	return height, nil
}

func (a *BitcoinAdapter) GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error) {
	var s string
	if err := a.execute(ctx, &s, "getblockhash", height); err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to get block hash %d: %w",
			height, notFound(err, provider.CodeInvalidParameter))
	}
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid block hash response: %w", err)
	}
	return *hash, nil
}

func (a *BitcoinAdapter) GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	var s string
	if err := a.execute(ctx, &s, "getblock", hash.String(), 0); err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w",
			hash, notFound(err, provider.CodeInvalidAddress))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid block data format: %w", err)
	}
	return raw, nil
}

func (a *BitcoinAdapter) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	var ids []string
	if err := a.execute(ctx, &ids, "getrawmempool"); err != nil {
		return nil, fmt.Errorf("failed to get mempool: %w", err)
	}
	out := make([]chainhash.Hash, 0, len(ids))
	for _, id := range ids {
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			a.log.Warn("skipping invalid mempool txid", "txid", id)
			continue
		}
		out = append(out, *h)
	}
	return out, nil
}

func (a *BitcoinAdapter) GetRawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	var s string
	if err := a.execute(ctx, &s, "getrawtransaction", txid.String(), 0); err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w",
			txid, notFound(err, provider.CodeInvalidAddress))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction data format: %w", err)
	}
	return raw, nil
}

// SendRawTransaction broadcasts rawTx. A rejection by the node is returned as
// the node's *provider.RPCError so callers can relay its code and message.
func (a *BitcoinAdapter) SendRawTransaction(ctx context.Context, rawTx []byte) (chainhash.Hash, error) {
	var s string
	if err := a.execute(ctx, &s, "sendrawtransaction", hex.EncodeToString(rawTx)); err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid txid response: %w", err)
	}
	return *hash, nil
}
