// Package guard реализует сторож сессии softphone-клиента.
//
// SessionContext передается явно во все компоненты (call, connection,
// transfer, phone) и проверяется перед любой мутацией состояния, запуском
// таймера или сетевым вызовом. После начала logout флаг взводится ровно один
// раз и никогда не сбрасывается в рамках процесса: новый login требует
// полного перезапуска клиента. Это защищает от "зомби"-коллбеков, которые
// пытаются воскресить состояние после выхода пользователя.
package guard

import (
	"context"
	"sync"
	"sync/atomic"
)

// SessionContext односторонний сторож жизненного цикла сессии.
// Zero value не использовать, создавать через NewSessionContext.
type SessionContext struct {
	ended atomic.Bool
	once  sync.Once

	mu     sync.Mutex
	onEnd  []func()
	cancel context.CancelFunc
	ctx    context.Context
}

// NewSessionContext создает активный контекст сессии.
func NewSessionContext() *SessionContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionContext{ctx: ctx, cancel: cancel}
}

// Active сообщает, жива ли еще сессия. Обработчики событий и таймеры
// обязаны проверять флаг непосредственно перед мутацией и молча выходить
// (no-op, не ошибка), если сессия завершена.
func (s *SessionContext) Active() bool {
	return !s.ended.Load()
}

// Context возвращает контекст, отменяемый при начале logout.
// Удобен для долгоживущих горутин (health-check, ws read loop).
func (s *SessionContext) Context() context.Context {
	return s.ctx
}

// BeginLogout взводит флаг завершения. Возвращает true только первому
// вызвавшему; повторные вызовы — no-op. Обратной дороги нет.
func (s *SessionContext) BeginLogout() bool {
	first := false
	s.once.Do(func() {
		first = true
		s.ended.Store(true)
		s.cancel()

		s.mu.Lock()
		hooks := s.onEnd
		s.onEnd = nil
		s.mu.Unlock()
		for _, h := range hooks {
			h()
		}
	})
	return first
}

// OnEnd регистрирует хук, вызываемый при начале logout.
// Если сессия уже завершена, хук вызывается немедленно.
func (s *SessionContext) OnEnd(h func()) {
	s.mu.Lock()
	if !s.ended.Load() {
		s.onEnd = append(s.onEnd, h)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	h()
}
