package feedback

import (
	"context"
	"time"
)

// ScanOverdue flags open tickets past their SLA deadline and returns how many
// were newly flagged. Already-flagged tickets are skipped so each breach logs
// once.
func (s *Service) ScanOverdue(ctx context.Context) (int, error) {
	flagged, err := s.db.FlagOverdueFeedback(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, f := range flagged {
		s.logger.Warn("feedback: ticket breached SLA",
			"feedback_id", f.ID,
			"tenant_id", f.TenantID,
			"site_id", f.SiteID,
			"severity", f.Severity,
			"group", f.Group,
			"due_at", f.SLADueAt,
		)
	}
	return len(flagged), nil
}

// RunOverdueScan loops ScanOverdue until the context ends.
func (s *Service) RunOverdueScan(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 10 * time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanOverdue(ctx); err != nil {
				s.logger.Error("feedback: overdue scan failed", "error", err)
			}
		}
	}
}
