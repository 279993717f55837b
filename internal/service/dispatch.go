package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const dispatchBatchSize = 100

// StartEventDispatch запускает фоновую доставку событий из outbox в приёмник уведомлений.
func (s *Service) StartEventDispatch(ctx context.Context) {
	if s.notifier == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.dispatchGap)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchEvents(ctx)
			}
		}
	}()
}

// dispatchEvents доставляет пачку событий по порядку и останавливается на первой неудаче,
// чтобы приёмник не получил события заказа вне очереди.
func (s *Service) dispatchEvents(ctx context.Context) int {
	events, err := s.repo.GetPendingEvents(ctx, dispatchBatchSize)
	if err != nil {
		s.logger.Warn("load pending events", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, e := range events {
		statusCode, retryAfter, err := s.notifier.Deliver(ctx, e)
		if err != nil {
			s.logger.Warn("deliver event",
				zap.String("event_id", e.ID),
				zap.String("order_id", e.OrderID),
				zap.Int("status", statusCode),
				zap.Error(err),
			)
			return delivered
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			return delivered
		}

		if err := s.repo.MarkEventDelivered(ctx, e.ID); err != nil {
			s.logger.Warn("mark event delivered", zap.String("event_id", e.ID), zap.Error(err))
			return delivered
		}
		delivered++
	}

	return delivered
}
