package dispatch

import (
	"context"
	"time"

	"wacron/internal/eventbus"
	"wacron/internal/storage"
	logx "wacron/pkg/logx"
)

const fireTimeout = 30 * time.Second

// fire executes one delivery cycle for a due schedule. It must never let a
// failure escape: an unhandled panic here would unregister nothing but could
// crash the cron runner's goroutine.
func (s *Service) fire(e storage.Schedule) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fire cycle panicked",
				logx.String("schedule_id", e.ID), logx.Any("panic", r))
		}
	}()

	s.log.Info("schedule due",
		logx.String("schedule_id", e.ID), logx.String("user_id", e.UserID), logx.String("target", e.Target))

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	chatID, err := s.resolver.ResolveChat(ctx, e.UserID, e.Target, e.IsGroup)
	if err != nil {
		s.log.Warn("target not resolved; skipping this fire",
			logx.String("schedule_id", e.ID), logx.String("target", e.Target), logx.Err(err))
		s.report(e, "", "unresolved", err.Error())
		return
	}

	if s.sender.Send(ctx, e.UserID, chatID, e.Message) {
		s.report(e, chatID, "delivered", "")
		return
	}
	// Not retried; the next scheduled fire is the retry.
	s.log.Warn("delivery failed",
		logx.String("schedule_id", e.ID), logx.String("chat_id", chatID))
	s.report(e, chatID, "failed", "send returned false")
}

func (s *Service) report(e storage.Schedule, chatID, outcome, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDelivery,
		Data: eventbus.Delivery{
			ScheduleID: e.ID,
			UserID:     e.UserID,
			Target:     e.Target,
			ChatID:     chatID,
			Outcome:    outcome,
			Detail:     detail,
		},
	})
}
