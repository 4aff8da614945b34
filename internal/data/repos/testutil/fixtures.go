package testutil

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/session-snapshot/internal/domain/session"
)

// SeedEvents inserts events for tenant directly, bypassing the repositories.
func SeedEvents(tb testing.TB, ctx context.Context, db *gorm.DB, tenant string, events ...*session.RawStepEvent) {
	tb.Helper()
	for _, ev := range events {
		ev.Tenant = tenant
		ev.Date = ev.Date.UTC()
		if ev.EventType == "" {
			ev.EventType = session.EventSet
		}
	}
	if err := db.WithContext(ctx).Create(&events).Error; err != nil {
		tb.Fatalf("seed events: %v", err)
	}
}

// StepEvent builds an event with the fields most tests vary.
func StepEvent(source, sess, step string, at time.Time, property, value string, typ session.StepEventType) *session.RawStepEvent {
	return &session.RawStepEvent{
		Source:    source,
		Session:   sess,
		StepID:    step,
		StepType:  "INGEST",
		Property:  property,
		Value:     value,
		EventType: typ,
		Date:      at.UTC(),
	}
}

func PtrString(s string) *string { return &s }

func PtrTime(t time.Time) *time.Time { return &t }
