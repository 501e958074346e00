package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/FlowCortex/internal/store"
)

func TestRecordAppends(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	logger := NewLogger(st)

	logger.Record(ctx, Entry{
		Actor:      store.Actor{UserID: "user-1", OrganizationID: "org-1"},
		Action:     ActionRunSubmitted,
		Resource:   "workflow_run",
		ResourceID: "run-1",
		SourceAddr: "127.0.0.1",
		Details:    map[string]any{"workflow_id": "wf-1"},
	})
	logger.System(ctx, ActionRunRecovered, "workflow_run", "run-2", nil)

	records := st.AuditRecords()
	require.Len(t, records, 2)

	assert.Equal(t, "user-1", records[0].UserID)
	assert.Equal(t, ActionRunSubmitted, records[0].Action)
	assert.Equal(t, "run-1", records[0].ResourceID)
	assert.NotEmpty(t, records[0].ID)
	assert.False(t, records[0].CreatedAt.IsZero())

	// System records carry no actor.
	assert.Empty(t, records[1].UserID)
	assert.Equal(t, ActionRunRecovered, records[1].Action)
}

func TestRetentionSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	old := &store.AuditRecord{
		OrganizationID: "org-1",
		Action:         ActionRunCompleted,
		Resource:       "workflow_run",
		CreatedAt:      time.Now().UTC().AddDate(0, 0, -100),
	}
	recent := &store.AuditRecord{
		OrganizationID: "org-1",
		Action:         ActionRunCompleted,
		Resource:       "workflow_run",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.AppendAudit(ctx, old))
	require.NoError(t, st.AppendAudit(ctx, recent))

	sweeper := NewRetentionSweeper(st, time.Hour, nil)
	sweeper.sweep(ctx, []string{"org-1"})

	records := st.AuditRecords()
	require.Len(t, records, 1)
	assert.Equal(t, recent.ID, records[0].ID)
}

func TestRetentionPolicyPerOrganization(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	// 10 days old: inside the default window, outside a 7-day policy.
	record := &store.AuditRecord{
		OrganizationID: "org-strict",
		Action:         ActionRunCompleted,
		Resource:       "workflow_run",
		CreatedAt:      time.Now().UTC().AddDate(0, 0, -10),
	}
	require.NoError(t, st.AppendAudit(ctx, record))

	sweeper := NewRetentionSweeper(st, time.Hour, map[string]int{"org-strict": 7})
	sweeper.sweep(ctx, []string{"org-strict"})

	assert.Empty(t, st.AuditRecords())
}
