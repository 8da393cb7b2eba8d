package storage

import (
	"context"
	"encoding/json"
	"sync"

	"taskboard-api/domain"
)

// EnqueueNotifications sends assignment notifications to the notification
// queue. Sends fan out across queueConcurrency workers; the first failure
// cancels the remaining sends and is returned to the caller.
func (s *Storage) EnqueueNotifications(ctx context.Context, notes []domain.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	concurrency := s.queueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(notes) {
		concurrency = len(notes)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan domain.Notification)
	errCh := make(chan error, concurrency)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for note := range work {
				data, err := json.Marshal(note)
				if err != nil {
					errCh <- err
					cancel()
					return
				}
				if _, err := s.notificationQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		}()
	}

	for _, note := range notes {
		select {
		case work <- note:
		case <-ctx.Done():
		}
	}
	close(work)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
