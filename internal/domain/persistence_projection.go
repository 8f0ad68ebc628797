package domain

import (
	"context"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
)

// WriteQueue serializes persistence writes from async domain events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// FlushRequest is published on the session topic behind pending summaries.
// The projection closes Done after every summary ahead of it has been written.
type FlushRequest struct {
	Done chan struct{}
}

// StartPersistenceProjection stores every finished session published on the bus.
func StartPersistenceProjection(ctx context.Context, b bus.MessageBus, queue WriteQueue, repo DeployRepository) {
	sessionSub := b.Subscribe(connectors.TopicSessionStatus)

	go func() {
		defer b.Unsubscribe(sessionSub, connectors.TopicSessionStatus)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sessionSub:
				if !ok {
					return
				}
				switch msg := raw.(type) {
				case connectors.SessionStatus:
					session := SessionFromStatus(msg)
					queue.Enqueue("save_deploy_session", func(writeCtx context.Context) error {
						return repo.SaveSession(writeCtx, session)
					})
				case FlushRequest:
					done := msg.Done
					queue.Enqueue("flush_projection", func(context.Context) error {
						close(done)

						return nil
					})
				}
			}
		}
	}()
}
