// Package audit appends the immutable record of security- and
// lifecycle-relevant events. Records go through the state store and are
// never modified; retention is per-tenant policy.
package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/store"
)

// Severity tags for security-relevant entries.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Well-known action tags.
const (
	ActionRunSubmitted     = "run.submitted"
	ActionRunCompleted     = "run.completed"
	ActionRunFailed        = "run.failed"
	ActionRunCancelled     = "run.cancelled"
	ActionRunRecovered     = "run.recovered"
	ActionTaskTransition   = "task.transition"
	ActionPermissionDenied = "auth.permission_denied"
	ActionAuthFailure      = "auth.failure"
	ActionResourceWarning  = "resources.warning"
	ActionWorkflowCreated  = "workflow.created"
)

// DefaultRetentionDays applies when an organization has no retention policy.
const DefaultRetentionDays = 90

// Entry is the caller-facing shape of an audit write.
type Entry struct {
	Actor      store.Actor
	Action     string
	Resource   string
	ResourceID string
	Severity   string
	Details    map[string]any
	SourceAddr string
}

// Logger appends audit records. Failures are logged, never propagated: an
// unavailable audit trail must not abort the operation being audited.
type Logger struct {
	st store.StateStore
}

// NewLogger creates an audit logger on the given store.
func NewLogger(st store.StateStore) *Logger {
	return &Logger{st: st}
}

// Record appends one audit record.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	record := &store.AuditRecord{
		UserID:         entry.Actor.UserID,
		OrganizationID: entry.Actor.OrganizationID,
		Action:         entry.Action,
		Resource:       entry.Resource,
		ResourceID:     entry.ResourceID,
		Severity:       entry.Severity,
		Details:        entry.Details,
		SourceAddr:     entry.SourceAddr,
		CreatedAt:      time.Now().UTC(),
	}

	if err := l.st.AppendAudit(ctx, record); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"action":   entry.Action,
			"resource": entry.Resource,
		}).Error("Failed to append audit record")
	}
}

// System records an event with no acting user.
func (l *Logger) System(ctx context.Context, action, resource, resourceID string, details map[string]any) {
	l.Record(ctx, Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
	})
}

// RetentionSweeper periodically purges audit records past each tenant's
// retention window.
type RetentionSweeper struct {
	st     store.StateStore
	period time.Duration

	// retentionDays maps organization ID to its policy; organizations not
	// listed use the default.
	retentionDays map[string]int
}

// NewRetentionSweeper creates the sweeper.
func NewRetentionSweeper(st store.StateStore, period time.Duration, retentionDays map[string]int) *RetentionSweeper {
	if period <= 0 {
		period = 24 * time.Hour
	}
	if retentionDays == nil {
		retentionDays = map[string]int{}
	}
	return &RetentionSweeper{st: st, period: period, retentionDays: retentionDays}
}

// Run sweeps until the context is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context, organizationIDs func() []string) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, organizationIDs())
		}
	}
}

// sweep purges one round across the given organizations.
func (s *RetentionSweeper) sweep(ctx context.Context, organizationIDs []string) {
	for _, orgID := range organizationIDs {
		days := s.retentionDays[orgID]
		if days <= 0 {
			days = DefaultRetentionDays
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days).UnixMilli()

		removed, err := s.st.PurgeAuditBefore(ctx, orgID, cutoff)
		if err != nil {
			log.WithError(err).WithField("organization_id", orgID).Warn("Audit retention sweep failed")
			continue
		}
		if removed > 0 {
			log.WithFields(log.Fields{
				"organization_id": orgID,
				"removed":         removed,
			}).Info("Purged expired audit records")
		}
	}
}
