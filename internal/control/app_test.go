package control

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockstor/internal/core/config"
	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/rpc/provider"
	"github.com/vietddude/blockstor/internal/infra/storage/leveldb"
)

// regtestNode serves a chain holding only the regtest genesis block. The
// first getblockcount answers with a warmup error.
func regtestNode(t *testing.T) *httptest.Server {
	t.Helper()
	genesis := chaincfg.RegressionNetParams.GenesisBlock
	var buf bytes.Buffer
	require.NoError(t, genesis.Serialize(&buf))
	rawGenesis := hex.EncodeToString(buf.Bytes())
	genesisHash := chaincfg.RegressionNetParams.GenesisHash.String()

	var warmedUp atomic.Bool
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     any    `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]any{"id": req.ID, "error": nil}
		switch req.Method {
		case "getblockcount":
			if warmedUp.CompareAndSwap(false, true) {
				resp["error"] = provider.RPCError{Code: provider.CodeInWarmup, Message: "Loading block index..."}
			} else {
				resp["result"] = 0
			}
		case "getblockhash":
			resp["result"] = genesisHash
		case "getblock":
			resp["result"] = rawGenesis
		case "getrawmempool":
			resp["result"] = []string{}
		default:
			resp["error"] = provider.RPCError{Code: provider.CodeInvalidAddress, Message: "No such mempool or blockchain transaction"}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(t *testing.T, nodeURL string) *config.AppConfig {
	return &config.AppConfig{
		Network: "regtest",
		Node: config.NodeConfig{
			URL:     nodeURL,
			Timeout: 5 * time.Second,
		},
		Storage:   leveldb.Config{DataDir: t.TempDir()},
		Sync:      config.SyncConfig{Interval: 20 * time.Millisecond, Mempool: true},
		Consumers: []string{"api"},
	}
}

func TestApp_SyncsGenesis(t *testing.T) {
	node := regtestNode(t)
	defer node.Close()

	app, err := New(testConfig(t, node.URL))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := app.Query().Status()
		return s.HasTip && s.Height == 0 && s.State == domain.EngineStateSteady
	}, 5*time.Second, 20*time.Millisecond)

	coinbase := chaincfg.RegressionNetParams.GenesisBlock.Transactions[0].TxHash()
	tx, err := app.Query().Transaction(context.Background(), coinbase)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.Sequence)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
	assert.NoError(t, app.Err())

	select {
	case <-app.Done():
	default:
		t.Fatal("engine still running after Stop")
	}
}

func TestApp_StartFailsWithoutNode(t *testing.T) {
	app, err := New(testConfig(t, "http://127.0.0.1:1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, app.Start(ctx))
	assert.NoError(t, app.Stop(context.Background()))
}

func TestNew_UnknownNetwork(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Network = "moonnet"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "unknown network")
}
