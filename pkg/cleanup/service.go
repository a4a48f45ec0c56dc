// Package cleanup provides the background reaper for the hub's bookkeeping
// rows.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetbeat/fleetbeat/pkg/config"
)

// orphanReaper retires frozen sequences past the orphan threshold.
// Satisfied by services.SequenceService.
type orphanReaper interface {
	ReapOrphans(ctx context.Context, threshold time.Duration) (int, error)
}

// hangingCleaner handles connection rows left behind by a crash.
// Satisfied by services.ConnectionService.
type hangingCleaner interface {
	CleanupHanging(ctx context.Context, remove bool) (int, error)
}

// Service periodically retires sequences whose agent never came back:
// a frozen sequence past the orphan threshold moves to the orphaned
// terminal state. At boot it also handles connection rows left flagged
// connected by a crashed instance.
//
// All operations are idempotent and safe to run from multiple instances.
type Service struct {
	config      *config.CleanupConfig
	sequences   orphanReaper
	connections hangingCleaner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	cfg *config.CleanupConfig,
	sequences orphanReaper,
	connections hangingCleaner,
) *Service {
	return &Service{
		config:      cfg,
		sequences:   sequences,
		connections: connections,
	}
}

// Start runs the boot-time hanging-row cleanup and launches the reap loop.
// Must be called before any hub accepts sockets, so the hanging rows seen
// here cannot belong to live connections.
func (s *Service) Start(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}

	count, err := s.connections.CleanupHanging(ctx, s.config.RemoveHanging)
	if err != nil {
		return err
	}
	if count > 0 {
		slog.Warn("Hanging connection rows found at boot",
			"count", count, "removed", s.config.RemoveHanging)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"orphan_threshold", s.config.OrphanThreshold,
		"interval", s.config.ReapInterval)
	return nil
}

// Stop signals the reap loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.reapOrphans(ctx)

	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOrphans(ctx)
		}
	}
}

func (s *Service) reapOrphans(_ context.Context) {
	// Detached from the loop context so a shutdown mid-pass does not leave
	// half the batch reaped now and half on the next boot.
	count, err := s.sequences.ReapOrphans(context.Background(), s.config.OrphanThreshold)
	if err != nil {
		slog.Error("Reaper: orphan pass failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Reaper: retired orphaned sequences", "count", count)
	}
}
