package app

import "github.com/hylla/fieldsync/internal/domain"

// notifier publishes persisted change tokens. Every cache write in this package
// goes through a helper that returns tokens, and the tokens go here.
type notifier struct {
	bus EventBus
}

func (n notifier) tokens(tokens ...domain.ChangeToken) {
	if n.bus == nil {
		return
	}
	for _, token := range tokens {
		if token.Seq == 0 {
			continue
		}
		n.bus.Publish(domain.EventFromToken(token))
	}
}

func (n notifier) event(evt domain.InvalidationEvent) {
	if n.bus == nil {
		return
	}
	n.bus.Publish(evt)
}
