// Package cron periodically re-registers channel webhooks so platforms that
// expire callback registrations (Viber in particular) keep pointing at us.
package cron

import (
	"context"
	"fmt"
	"log/slog"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/palmmind-office/Social-Media-Bot/internal/channels"
)

type Service struct {
	scheduler *robfigcron.Cron
	schedule  string
}

func NewService(schedule string) *Service {
	return &Service{
		scheduler: robfigcron.New(),
		schedule:  schedule,
	}
}

// Schedule registers a refresh job for every channel that knows how to
// re-register its webhook. Call before Start.
func (s *Service) Schedule(registrars []channels.WebhookRegistrar) error {
	for _, reg := range registrars {
		if _, err := s.scheduler.AddFunc(s.schedule, func() {
			if err := reg.RegisterWebhook(context.Background()); err != nil {
				slog.Error("cron: webhook refresh failed", "err", err)
			}
		}); err != nil {
			return fmt.Errorf("cron: register refresh job: %w", err)
		}
	}
	return nil
}

func (s *Service) Start() {
	s.scheduler.Start()
}

// Stop halts the scheduler; running jobs finish on their own.
func (s *Service) Stop() {
	s.scheduler.Stop()
}
