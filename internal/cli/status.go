package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockstor/internal/core/config"
	"github.com/vietddude/blockstor/internal/infra/rpc/provider"
	"github.com/vietddude/blockstor/internal/infra/rpc/routing"
	"github.com/vietddude/blockstor/internal/infra/storage"
	"github.com/vietddude/blockstor/internal/infra/storage/leveldb"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the indexed tip, the node height and consumer markers",
	Long: `Reads the store directly, so the indexer must not be running. Query the
health server's /status endpoint for a running indexer.`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// openStore opens the configured store. It exits on error.
func openStore(cfg *config.AppConfig, readOnly bool) *leveldb.Store {
	scfg := cfg.Storage
	scfg.ReadOnly = readOnly
	store, err := leveldb.Open(scfg)
	if err != nil {
		slog.Error("Failed to open store (is the indexer running?)", "dir", scfg.DataDir, "error", err)
		os.Exit(1)
	}
	return store
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	store := openStore(cfg, true)
	defer func() {
		_ = store.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "HEIGHT\tHASH\tSEQUENCE\tNODE HEIGHT")

	tip, err := store.Tip(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		_, _ = fmt.Fprintf(w, "-\t-\t0\t%s\n", nodeHeight(ctx, cfg))
	case err != nil:
		slog.Error("Failed to read tip", "error", err)
		os.Exit(1)
	default:
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", tip.Height, tip.Hash, tip.EndSequence(), nodeHeight(ctx, cfg))
	}
	_ = w.Flush()

	markers, err := store.ListMarkers(ctx)
	if err != nil {
		slog.Error("Failed to list markers", "error", err)
		os.Exit(1)
	}
	fmt.Println()
	printMarkers(markers)
}

// nodeHeight asks the node for its block count; "unreachable" on error.
func nodeHeight(ctx context.Context, cfg *config.AppConfig) string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	node := provider.NewHTTPProvider("node", cfg.Node.URL, cfg.Node.Timeout).
		WithBasicAuth(cfg.Node.User, cfg.Node.Password)
	defer func() {
		_ = node.Close()
	}()

	res, err := routing.CallWithRetry(ctx, node, provider.NewOperation("getblockcount"), routing.DefaultRetryConfig)
	if err != nil {
		slog.Debug("Node height unavailable", "error", err)
		return "unreachable"
	}
	var height uint32
	if err := json.Unmarshal(res, &height); err != nil {
		return "unreachable"
	}
	return fmt.Sprint(height)
}
