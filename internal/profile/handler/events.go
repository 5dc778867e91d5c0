package handler

import (
	"context"
	"errors"

	"clinix/backend/internal/events"
	"clinix/backend/internal/events/consumer"
	eventsdomain "clinix/backend/internal/events/domain"
	"clinix/backend/internal/profile/domain"
	"clinix/backend/internal/profile/service"
)

// Provisioner creates a profile from a user-created event.
type Provisioner interface {
	Provision(ctx context.Context, evt eventsdomain.UserCreated) (bool, error)
}

// UserCreatedHandler turns user.created.<kind> events into profiles. Malformed payloads and
// emails owned by another user are final (acked); storage failures are retried.
func UserCreatedHandler(p Provisioner) consumer.Handler {
	return consumer.HandlerFunc(func(ctx context.Context, env eventsdomain.Envelope) error {
		evt, err := env.DecodeUserCreated()
		if err != nil {
			return events.Permanent(err)
		}
		_, err = p.Provision(ctx, evt)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrEmailTaken), errors.Is(err, eventsdomain.ErrMalformedEnvelope):
			return events.Permanent(err)
		default:
			return err
		}
	})
}

// Route returns the routing pattern a worker for svc's kind consumes, e.g. "user.created.doctor".
func Route(svc *service.Service) string {
	return eventsdomain.RoutingKey(string(svc.Kind()))
}
