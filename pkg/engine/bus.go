package engine

import (
	"log/slog"
	"sync"
)

// Bus типизированная шина событий движка.
//
// Subscribe возвращает Subscription, которую подписчик обязан закрыть —
// явное владение подпиской вместо ручной бухгалтерии on/off пар.
// Доставка синхронная и в порядке подписки: модель клиента —
// один логический поток с чередованием асинхронных операций, поэтому
// обработчики не должны блокироваться надолго.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]func(Event)
}

// NewBus создает пустую шину.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic]map[int]func(Event))}
}

// Subscription активная подписка на топик шины.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    int
	once  sync.Once
}

// Close снимает подписку. Повторные вызовы безопасны.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers, ok := s.bus.subs[s.topic]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
	})
}

// Subscribe регистрирует обработчик на топик.
func (b *Bus) Subscribe(topic Topic, fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(Event))
	}
	b.subs[topic][id] = fn

	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish доставляет событие всем подписчикам его топика.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := b.subs[ev.EventTopic()]
	fns := make([]func(Event), 0, len(handlers))
	for _, fn := range handlers {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	if len(fns) == 0 {
		slog.Debug("bus: event without subscribers",
			slog.String("topic", string(ev.EventTopic())))
		return
	}
	for _, fn := range fns {
		fn(ev)
	}
}
