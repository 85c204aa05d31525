package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/core/marker"
	"github.com/vietddude/blockstor/internal/infra/storage"
	"github.com/vietddude/blockstor/internal/infra/storage/leveldb"
)

var markersCmd = &cobra.Command{
	Use:   "markers",
	Short: "Inspect and maintain consumer markers",
	Long:  `Marker commands write to the store directly; stop the indexer first.`,
}

var markersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all consumer markers",
	Args:  cobra.NoArgs,
	Run:   runMarkersList,
}

var markersResetCmd = &cobra.Command{
	Use:   "reset [consumer] [sequence]",
	Short: "Set a consumer's marker to a given sequence and clear its rollback flag",
	Args:  cobra.ExactArgs(2),
	Run:   runMarkersReset,
}

var markersPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete markers of consumers no longer in the config",
	Args:  cobra.NoArgs,
	Run:   runMarkersPrune,
}

var markersClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every marker",
	Args:  cobra.NoArgs,
	Run:   runMarkersClear,
}

func init() {
	markersCmd.AddCommand(markersListCmd, markersResetCmd, markersPruneCmd, markersClearCmd)
	rootCmd.AddCommand(markersCmd)
}

// storeStatus reports the stored tip as the engine snapshot, for marker
// commands run while the engine is down.
type storeStatus struct {
	snap domain.SyncSnapshot
}

func (s storeStatus) Snapshot() domain.SyncSnapshot { return s.snap }

func newStoreStatus(ctx context.Context, store *leveldb.Store) (storeStatus, error) {
	tip, err := store.Tip(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return storeStatus{snap: domain.SyncSnapshot{State: domain.EngineStateStopped, Status: domain.EngineStateStopped.Status()}}, nil
	}
	if err != nil {
		return storeStatus{}, err
	}
	return storeStatus{snap: domain.SyncSnapshot{
		State:    domain.EngineStateStopped,
		Status:   domain.EngineStateStopped.Status(),
		HasTip:   true,
		Height:   tip.Height,
		Hash:     tip.Hash,
		Sequence: tip.EndSequence(),
	}}, nil
}

func printMarkers(markers []*domain.Marker) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CONSUMER\tSEQUENCE\tROLLED BACK\tUPDATED")
	for _, m := range markers {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", m.Consumer, m.Sequence, m.RolledBack, m.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func runMarkersList(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	store := openStore(cfg, true)
	defer func() {
		_ = store.Close()
	}()

	markers, err := store.ListMarkers(context.Background())
	if err != nil {
		slog.Error("Failed to list markers", "error", err)
		os.Exit(1)
	}
	printMarkers(markers)
}

func runMarkersReset(cmd *cobra.Command, args []string) {
	consumer := args[0]
	seq, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid sequence: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(cfg, false)
	defer func() {
		_ = store.Close()
	}()

	status, err := newStoreStatus(ctx, store)
	if err != nil {
		slog.Error("Failed to read tip", "error", err)
		os.Exit(1)
	}
	if tip := status.snap.Sequence; seq > tip {
		slog.Error("Sequence is beyond the indexed tip", "sequence", seq, "tip_sequence", tip)
		os.Exit(1)
	}

	m := &domain.Marker{Consumer: consumer, Sequence: seq, UpdatedAt: time.Now()}
	if err := store.PutMarker(ctx, m); err != nil {
		slog.Error("Failed to reset marker", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Successfully reset marker for %s to sequence %d\n", consumer, seq)
}

func runMarkersPrune(cmd *cobra.Command, args []string) {
	runMarkerDelete(func(ctx context.Context, m marker.Manager) (int, error) {
		return m.DeleteUnused(ctx)
	})
}

func runMarkersClear(cmd *cobra.Command, args []string) {
	runMarkerDelete(func(ctx context.Context, m marker.Manager) (int, error) {
		return m.DeleteAll(ctx)
	})
}

func runMarkerDelete(del func(context.Context, marker.Manager) (int, error)) {
	cfg := loadConfig()
	ctx := context.Background()
	store := openStore(cfg, false)
	defer func() {
		_ = store.Close()
	}()

	status, err := newStoreStatus(ctx, store)
	if err != nil {
		slog.Error("Failed to read tip", "error", err)
		os.Exit(1)
	}

	n, err := del(ctx, marker.NewManager(store, status, cfg.Consumers))
	if err != nil {
		slog.Error("Failed to delete markers", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d markers\n", n)
}
