package cron

import (
	"context"
	"testing"

	"github.com/palmmind-office/Social-Media-Bot/internal/channels"
)

type stubRegistrar struct{ calls int }

func (s *stubRegistrar) RegisterWebhook(ctx context.Context) error {
	s.calls++
	return nil
}

func TestScheduleAcceptsValidExpression(t *testing.T) {
	svc := NewService("0 4 * * *")
	if err := svc.Schedule([]channels.WebhookRegistrar{&stubRegistrar{}, &stubRegistrar{}}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	svc.Start()
	svc.Stop()
}

func TestScheduleRejectsInvalidExpression(t *testing.T) {
	svc := NewService("not a schedule")
	if err := svc.Schedule([]channels.WebhookRegistrar{&stubRegistrar{}}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
