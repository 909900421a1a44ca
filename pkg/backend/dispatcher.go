package backend

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message push-сообщение бэкенда: имя и произвольное JSON-тело.
type Message struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"body"`
}

// MessageHandler обработчик push-сообщения.
type MessageHandler func(Message) error

// Dispatcher маршрутизирует push-сообщения по имени. Обработчики
// вызываются синхронно в порядке прихода сообщений: для событий статуса
// порядок существенен.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// NewDispatcher создает пустой диспетчер.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]MessageHandler)}
}

// Register регистрирует обработчик для имени сообщения.
func (d *Dispatcher) Register(name string, h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch отдает сообщение обработчику. Неизвестные имена логируются
// и отбрасываются.
func (d *Dispatcher) Dispatch(msg Message) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Name]
	d.mu.RUnlock()

	if !ok {
		slog.Debug("backend: no handler for push message", slog.String("name", msg.Name))
		return
	}
	if err := h(msg); err != nil {
		slog.Error("backend: push handler failed",
			slog.String("name", msg.Name),
			slog.String("error", err.Error()))
	}
}
