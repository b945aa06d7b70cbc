package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/boot"
	"github.com/memohai/streamsync/internal/db"
	"github.com/memohai/streamsync/internal/mirror"
	"github.com/memohai/streamsync/internal/version"
)

// buildOneShot wires the mirror service without the worker pool or HTTP
// server. The returned queue is never started. When a DSN is configured the
// service takes the same advisory lock as serve replicas; the returned close
// func releases the pool.
func buildOneShot(ctx context.Context) (*mirror.Service, func(), error) {
	cfg, err := provideConfig()
	if err != nil {
		return nil, nil, err
	}
	rc, err := boot.ProvideRuntimeConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	log := provideLogger(cfg)
	reportIntegration(log, rc)

	var pool *pgxpool.Pool
	closePool := func() {}
	if rc.PostgresDSN != "" {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err = db.Open(openCtx, rc.PostgresDSN)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		closePool = pool.Close
	}

	store := provideDirectusClient(log, rc)
	stream := provideStreamClient(log, rc)
	q := provideQueue(log, rc, pool)
	svc := mirror.NewService(log, rc.Integration, store, stream, q, rc.ChunkSize)
	if pool != nil {
		svc.WithLocker(db.NewAdvisoryLocker(log, pool))
	}
	return svc, closePool, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newUploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <key>",
		Short: "Upload one CMS file to Stream and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			svc, closePool, err := buildOneShot(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			result, err := svc.UploadNow(ctx, assets.Accountability{}, args[0])
			if printErr := printJSON(result); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>...",
		Short: "Delete the Stream copies of CMS files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			svc, closePool, err := buildOneShot(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			report := svc.HandleDelete(ctx, assets.Accountability{}, args)
			if err := printJSON(report); err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("delete failed for %d of %d keys", len(failed), len(args))
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("streamsync %s\n", version.GetInfo())
		},
	}
}
