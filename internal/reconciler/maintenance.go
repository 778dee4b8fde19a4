package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "checkind/pkg/logx"
)

// maintenance owns the housekeeping cron: nightly ledger pruning and the
// optional periodic full resync.
type maintenance struct {
	c *cron.Cron
}

func (s *Service) startMaintenance() error {
	if s.cfg.PruneAge <= 0 && s.cfg.ResyncEvery <= 0 {
		return nil
	}

	c := cron.New(cron.WithLocation(s.loc))

	if s.cfg.PruneAge > 0 {
		if _, err := c.AddFunc("0 0 * * *", s.pruneLedger); err != nil {
			return fmt.Errorf("maintenance prune: %w", err)
		}
	}
	if s.cfg.ResyncEvery > 0 {
		spec := fmt.Sprintf("@every %s", s.cfg.ResyncEvery)
		if _, err := c.AddFunc(spec, s.resync); err != nil {
			return fmt.Errorf("maintenance resync: %w", err)
		}
	}

	c.Start()
	s.cron = &maintenance{c: c}
	s.log.Info("maintenance started",
		logx.Duration("prune_age", s.cfg.PruneAge),
		logx.Duration("resync_every", s.cfg.ResyncEvery))
	return nil
}

func (s *Service) stopMaintenance() {
	if s.cron == nil {
		return
	}
	<-s.cron.c.Stop().Done()
	s.cron = nil
}

func (s *Service) pruneLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := s.now().Add(-s.cfg.PruneAge)
	n, err := s.st.PruneResolved(ctx, cutoff)
	if err != nil {
		s.log.Error("ledger prune failed", logx.Err(err))
		return
	}
	s.log.Info("ledger pruned",
		logx.Int64("rows", n), logx.Time("older_than", cutoff))
}

// resync is the self-heal path: re-provision and rebuild everything. Safe
// because both operations are idempotent.
func (s *Service) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := s.Bootstrap(ctx); err != nil {
		s.log.Error("resync bootstrap failed", logx.Err(err))
	}
	if err := s.ReloadAll(ctx); err != nil {
		s.log.Error("resync reload failed", logx.Err(err))
	}
}
