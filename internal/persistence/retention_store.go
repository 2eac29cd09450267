package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedLinkEvents int64 `json:"purged_link_events"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// RunRetention deletes history rows older than the given windows. A window of
// zero keeps everything. The LinkMap itself is never touched.
func (s *Store) RunRetention(ctx context.Context, linkEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if linkEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -linkEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM link_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge link_events: %w", err)
		}
		result.PurgedLinkEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
