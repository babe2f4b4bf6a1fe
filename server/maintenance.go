package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/storage"
)

// maintenanceLoop periodically reclaims stale sessions and partial
// transfers and captures a metrics snapshot. Sweeps take the same
// per-session locks as request handlers.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runMaintenance(s.ctx)
		case <-s.closed:
			return
		}
	}
}

func (s *Server) runMaintenance(ctx context.Context) {
	discarded := s.registry.SweepPartials(s.opts.PartialTimeout)
	removed := s.registry.SweepIdle(s.opts.SessionTimeout)

	if discarded > 0 || len(removed) > 0 {
		s.log.WithFields(logrus.Fields{
			"stale_partials": discarded,
			"idle_sessions":  len(removed),
		}).Info("maintenance sweep")
	}

	if err := s.captureMetrics(ctx); err != nil {
		s.log.WithError(err).Warn("metrics capture failed")
	}

	if pruned, err := s.store.PruneMetrics(ctx, s.opts.MetricsRetention); err != nil {
		s.log.WithError(err).Warn("metrics prune failed")
	} else if pruned > 0 {
		s.log.WithField("pruned", pruned).Debug("old metric snapshots pruned")
	}
}

func (s *Server) captureMetrics(ctx context.Context) error {
	clientCount, err := s.store.ClientCount(ctx)
	if err != nil {
		return err
	}
	fileCount, err := s.store.FileCount(ctx)
	if err != nil {
		return err
	}
	verifiedCount, err := s.store.VerifiedFileCount(ctx)
	if err != nil {
		return err
	}

	return s.store.RecordMetrics(ctx, storage.MetricsSnapshot{
		ActiveSessions: int64(s.registry.Len()),
		ClientCount:    clientCount,
		FileCount:      fileCount,
		VerifiedCount:  verifiedCount,
	})
}
