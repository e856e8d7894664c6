package stream

import (
	"sync"

	"github.com/google/uuid"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/domain"
)

// subscription tracks one live (pair, handlers) registration
type subscription struct {
	pair    domain.Pair
	onQuote domain.QuoteHandler
	onError domain.ErrorHandler
}

// Base is embedded by every streaming source adapter. It owns subscription
// bookkeeping, identifier<->pair translation, and resubscription after a
// reconnect, leaving the wire protocol to the embedding adapter.
type Base struct {
	mu               sync.RWMutex
	subs             map[string]*subscription // id -> subscription
	identifierToPair map[string]domain.Pair
	subscribedIdents map[string]bool

	// ToIdentifier converts a domain.Pair to the source's wire identifier
	// (e.g. BTC/USD -> BTCUSDT for Binance). Set by the embedding adapter.
	ToIdentifier func(domain.Pair) (string, error)

	// SendSubscribe issues one batched wire subscribe message covering every
	// identifier passed to it
	SendSubscribe func(identifiers []string) error

	// SendUnsubscribe issues one batched wire unsubscribe message covering
	// every identifier passed to it
	SendUnsubscribe func(identifiers []string) error

	log logger.Logger
}

// NewBase constructs a Base for a named adapter
func NewBase(name string) *Base {
	return &Base{
		subs:             make(map[string]*subscription),
		identifierToPair: make(map[string]domain.Pair),
		subscribedIdents: make(map[string]bool),
		log:              logger.Named("aggregator.stream." + name),
	}
}

// Subscribe registers interest in pair and issues the wire subscribe call
// if this is the first subscriber for that identifier
func (b *Base) Subscribe(pair domain.Pair, onQuote domain.QuoteHandler, onError domain.ErrorHandler) (string, error) {
	if b.ToIdentifier == nil || b.SendSubscribe == nil {
		return "", perr.Internalf("stream: adapter not wired for subscriptions")
	}
	ident, err := b.ToIdentifier(pair)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	b.mu.Lock()
	b.subs[id] = &subscription{pair: pair, onQuote: onQuote, onError: onError}
	b.identifierToPair[ident] = pair
	needsWire := !b.subscribedIdents[ident]
	if needsWire {
		b.subscribedIdents[ident] = true
	}
	b.mu.Unlock()

	if needsWire {
		if err := b.SendSubscribe([]string{ident}); err != nil {
			b.mu.Lock()
			delete(b.subs, id)
			delete(b.subscribedIdents, ident)
			b.mu.Unlock()
			return "", err
		}
	}
	return id, nil
}

// SubscribeMany registers every pair in pairs and issues a single batched
// wire subscribe call covering every identifier newly seen in this batch
// (pairs that already map to an already-subscribed identifier need no wire
// traffic). On failure every subscription added by this call is rolled back.
func (b *Base) SubscribeMany(pairs []domain.Pair, onQuote domain.QuoteHandler, onErrorFactory func(domain.Pair) domain.ErrorHandler) (map[domain.Pair]string, error) {
	if b.ToIdentifier == nil || b.SendSubscribe == nil {
		return nil, perr.Internalf("stream: adapter not wired for subscriptions")
	}

	ids := make(map[domain.Pair]string, len(pairs))
	newIdents := make([]string, 0, len(pairs))
	seenIdent := make(map[string]bool, len(pairs))

	b.mu.Lock()
	for _, p := range pairs {
		ident, err := b.ToIdentifier(p)
		if err != nil {
			b.rollbackLocked(ids)
			b.mu.Unlock()
			return nil, err
		}
		id := uuid.New().String()
		var onErr domain.ErrorHandler
		if onErrorFactory != nil {
			onErr = onErrorFactory(p)
		}
		b.subs[id] = &subscription{pair: p, onQuote: onQuote, onError: onErr}
		b.identifierToPair[ident] = p
		ids[p] = id
		if !b.subscribedIdents[ident] {
			b.subscribedIdents[ident] = true
			if !seenIdent[ident] {
				seenIdent[ident] = true
				newIdents = append(newIdents, ident)
			}
		}
	}
	b.mu.Unlock()

	if len(newIdents) == 0 {
		return ids, nil
	}
	if err := b.SendSubscribe(newIdents); err != nil {
		b.mu.Lock()
		b.rollbackLocked(ids)
		b.mu.Unlock()
		return nil, err
	}
	return ids, nil
}

// rollbackLocked removes every subscription in ids, along with any
// identifier mapping left with no remaining subscriber. Caller holds b.mu.
func (b *Base) rollbackLocked(ids map[domain.Pair]string) {
	for p, id := range ids {
		if _, ok := b.subs[id]; !ok {
			continue
		}
		delete(b.subs, id)
		ident, err := b.ToIdentifier(p)
		if err != nil {
			continue
		}
		stillUsed := false
		for _, s := range b.subs {
			if other, err := b.ToIdentifier(s.pair); err == nil && other == ident {
				stillUsed = true
				break
			}
		}
		if !stillUsed {
			delete(b.subscribedIdents, ident)
			delete(b.identifierToPair, ident)
		}
	}
}

// Unsubscribe removes one subscription, issuing the wire unsubscribe call
// if it was the last subscriber for that identifier
func (b *Base) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return perr.NotFoundf("stream: subscription %s not found", id)
	}
	delete(b.subs, id)

	ident, err := b.ToIdentifier(sub.pair)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	stillUsed := false
	for _, s := range b.subs {
		other, _ := b.ToIdentifier(s.pair)
		if other == ident {
			stillUsed = true
			break
		}
	}
	if !stillUsed {
		delete(b.subscribedIdents, ident)
		delete(b.identifierToPair, ident)
	}
	b.mu.Unlock()

	if !stillUsed && b.SendUnsubscribe != nil {
		return b.SendUnsubscribe([]string{ident})
	}
	return nil
}

// UnsubscribeAll removes every subscription
func (b *Base) UnsubscribeAll() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := b.Unsubscribe(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch routes an inbound quote to every subscriber for its identifier
func (b *Base) Dispatch(identifier string, q domain.Quote) {
	b.mu.RLock()
	pair, ok := b.identifierToPair[identifier]
	if !ok {
		b.mu.RUnlock()
		return
	}
	handlers := make([]domain.QuoteHandler, 0, 1)
	for _, sub := range b.subs {
		if sub.pair == pair {
			handlers = append(handlers, sub.onQuote)
		}
	}
	b.mu.RUnlock()
	q.Pair = pair
	for _, h := range handlers {
		if h != nil {
			h(q)
		}
	}
}

// DispatchError routes an inbound error to every subscriber for identifier
func (b *Base) DispatchError(identifier string, err error) {
	b.mu.RLock()
	pair, ok := b.identifierToPair[identifier]
	if !ok {
		b.mu.RUnlock()
		return
	}
	handlers := make([]domain.ErrorHandler, 0, 1)
	for _, sub := range b.subs {
		if sub.pair == pair && sub.onError != nil {
			handlers = append(handlers, sub.onError)
		}
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// Resubscribe reissues a single batched wire subscribe call covering every
// currently tracked identifier. Called by the embedding adapter after a
// successful reconnect.
func (b *Base) Resubscribe() error {
	b.mu.RLock()
	idents := make([]string, 0, len(b.subscribedIdents))
	for ident := range b.subscribedIdents {
		idents = append(idents, ident)
	}
	b.mu.RUnlock()

	if len(idents) == 0 {
		return nil
	}

	if err := b.SendSubscribe(idents); err != nil {
		b.log.Warn().Err(err).Int("count", len(idents)).Msg("resubscribe failed")
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "stream: failed to resubscribe %d identifier(s)", len(idents))
	}
	return nil
}

// Identifiers returns every wire identifier currently subscribed
func (b *Base) Identifiers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subscribedIdents))
	for ident := range b.subscribedIdents {
		out = append(out, ident)
	}
	return out
}
