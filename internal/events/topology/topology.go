// Package topology declares the broker objects a service depends on. Every
// declaration is idempotent, so asserting on each startup repairs a wiped broker.
package topology

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/oops"

	"clinix/backend/internal/events"
)

// ExchangeKind is the exchange type used for user events.
const ExchangeKind = "topic"

// Descriptor names the objects one consuming service needs.
type Descriptor struct {
	Exchange string
	Queue    string
	// Bindings are routing key patterns bound in order; duplicates are ignored.
	Bindings []string
}

// Validate reports every missing field at once.
func (d Descriptor) Validate() error {
	var missing []string
	if strings.TrimSpace(d.Exchange) == "" {
		missing = append(missing, "exchange")
	}
	if strings.TrimSpace(d.Queue) == "" {
		missing = append(missing, "queue")
	}
	if len(d.Bindings) == 0 {
		missing = append(missing, "bindings")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", events.ErrTopologyAssertionFailed, strings.Join(missing, ", "))
	}
	for _, b := range d.Bindings {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("%w: empty binding pattern", events.ErrTopologyAssertionFailed)
		}
	}
	return nil
}

// DeclareExchange declares name as a durable topic exchange.
func DeclareExchange(ch events.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, ExchangeKind, true, false, false, false, nil); err != nil {
		return oops.Code("EXCHANGE_DECLARE_FAILED").With("exchange", name).
			Wrap(errors.Join(events.ErrTopologyAssertionFailed, err))
	}
	return nil
}

// Assert declares the exchange, the durable queue, and each binding.
func Assert(ch events.Channel, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := DeclareExchange(ch, d.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(d.Queue, true, false, false, false, nil); err != nil {
		return oops.Code("QUEUE_DECLARE_FAILED").With("queue", d.Queue).
			Wrap(errors.Join(events.ErrTopologyAssertionFailed, err))
	}
	seen := make(map[string]bool, len(d.Bindings))
	for _, key := range d.Bindings {
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := ch.QueueBind(d.Queue, key, d.Exchange, false, nil); err != nil {
			return oops.Code("QUEUE_BIND_FAILED").With("queue", d.Queue).With("routing_key", key).
				Wrap(errors.Join(events.ErrTopologyAssertionFailed, err))
		}
	}
	return nil
}
