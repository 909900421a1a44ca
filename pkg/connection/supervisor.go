// Package connection следит за SIP-регистрацией и доступностью агента.
//
// Супервизор сводит несколько слабо согласованных сигналов (состояние
// регистрации, contact URI с его сроком, backend-флаг присутствия) в один
// булев reachable, гасит дребезг событий регистрации и ведет переподключение
// с экспоненциальным backoff, не создавая штормов повторных попыток.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/agent_phone/pkg/engine"
	"github.com/arzzra/agent_phone/pkg/guard"
)

const (
	// DefaultDebounceWindow окно схлопывания всплесков событий регистрации.
	DefaultDebounceWindow = 300 * time.Millisecond
	// DefaultHealthInterval период liveness-пробы транспорта.
	DefaultHealthInterval = 5 * time.Second
)

// Health агрегированное состояние соединения.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Snapshot срез состояния соединения.
type Snapshot struct {
	Registration  engine.RegState
	Reachable     bool
	RetryCount    int
	LastAttemptAt time.Time
	Fatal         bool
}

// Options зависимости и настройки супервизора.
type Options struct {
	Session *guard.SessionContext
	Engine  engine.Engine
	Backoff Backoff
	// DebounceWindow окно дебаунса; 0 — DefaultDebounceWindow.
	DebounceWindow time.Duration
	// HealthInterval период проб; 0 — DefaultHealthInterval.
	HealthInterval time.Duration

	// OnReachable вызывается при смене эффективной доступности.
	// Вызывается под внутренним мьютексом — без обратных вызовов в супервизор.
	OnReachable func(bool)
	// OnFatal вызывается один раз при исчерпании попыток переподключения.
	OnFatal func()
	// OnDisagreement телеметрия расхождения сигналов доступности.
	OnDisagreement func(Signals)
}

// Supervisor супервизор регистрации и доступности.
type Supervisor struct {
	mu   sync.Mutex
	sess *guard.SessionContext
	eng  engine.Engine

	backoff        Backoff
	debounceWindow time.Duration
	healthInterval time.Duration

	state         engine.RegState
	contactURI    string
	expiresAt     time.Time
	backendOnline bool
	reachable     bool

	retryCount    int
	lastAttemptAt time.Time
	fatal         bool

	pendingEv     *engine.RegistrationEvent
	debounceTimer *time.Timer
	retryTimer    *time.Timer

	onReachable    func(bool)
	onFatal        func()
	onDisagreement func(Signals)

	subs []*engine.Subscription
}

// NewSupervisor создает супервизор в состоянии Unregistered.
func NewSupervisor(opts Options) *Supervisor {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Supervisor{
		sess:           opts.Session,
		eng:            opts.Engine,
		backoff:        opts.Backoff,
		debounceWindow: opts.DebounceWindow,
		healthInterval: opts.HealthInterval,
		state:          engine.RegUnregistered,
		onReachable:    opts.OnReachable,
		onFatal:        opts.OnFatal,
		onDisagreement: opts.OnDisagreement,
	}
}

// Start подписывается на события движка и запускает health-check цикл.
func (s *Supervisor) Start() {
	bus := s.eng.Events()
	s.subs = []*engine.Subscription{
		bus.Subscribe(engine.TopicRegistration, s.handleRegistration),
		bus.Subscribe(engine.TopicDisconnected, s.handleDisconnected),
	}
	go s.healthLoop()
}

// Stop снимает подписки и останавливает таймеры.
func (s *Supervisor) Stop() {
	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// Connect инициирует первую регистрацию. Последующие переподключения
// супервизор ведет сам по событиям регистрации.
func (s *Supervisor) Connect(ctx context.Context) error {
	if !s.sess.Active() {
		return nil
	}
	s.mu.Lock()
	s.state = engine.RegRegistering
	s.lastAttemptAt = time.Now()
	s.mu.Unlock()
	return s.eng.Register(ctx)
}

// Reachable эффективная доступность агента.
func (s *Supervisor) Reachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachable
}

// State текущее состояние регистрации.
func (s *Supervisor) State() engine.RegState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot срез состояния соединения.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Registration:  s.state,
		Reachable:     s.reachable,
		RetryCount:    s.retryCount,
		LastAttemptAt: s.lastAttemptAt,
		Fatal:         s.fatal,
	}
}

// Health агрегированное состояние для диагностики.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.fatal:
		return HealthUnhealthy
	case s.reachable:
		return HealthHealthy
	default:
		return HealthDegraded
	}
}

// SetBackendOnline обновляет backend-сигнал присутствия (из roster-фида).
func (s *Supervisor) SetBackendOnline(online bool) {
	if !s.sess.Active() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendOnline = online
	s.recomputeLocked()
}

// handleRegistration дебаунсит всплески событий регистрации: в окне
// применяется только последнее событие, промежуточные выбрасываются —
// иначе зависимый UI мерцает, а бэкенд получает дубли вызовов.
func (s *Supervisor) handleRegistration(ev engine.Event) {
	if !s.sess.Active() {
		return
	}
	re := ev.(engine.RegistrationEvent)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingEv = &re
	if s.debounceTimer == nil {
		s.debounceTimer = time.AfterFunc(s.debounceWindow, s.flushDebounced)
	}
}

func (s *Supervisor) flushDebounced() {
	if !s.sess.Active() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.pendingEv
	s.pendingEv = nil
	s.debounceTimer = nil
	if ev != nil {
		s.applyLocked(*ev)
	}
}

func (s *Supervisor) handleDisconnected(ev engine.Event) {
	if !s.sess.Active() {
		return
	}
	de := ev.(engine.DisconnectedEvent)
	slog.Warn("connection: transport disconnected", slog.String("reason", de.Reason))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = engine.RegFailed
	s.recomputeLocked()
	s.scheduleRetryLocked()
}

func (s *Supervisor) applyLocked(ev engine.RegistrationEvent) {
	slog.Debug("connection: registration state",
		slog.String("state", ev.State.String()),
		slog.String("contact_uri", ev.ContactURI))

	switch ev.State {
	case engine.RegRegistered:
		s.state = engine.RegRegistered
		s.contactURI = ev.ContactURI
		s.expiresAt = ev.ExpiresAt
		// Единственная точка сброса счетчика попыток.
		s.retryCount = 0
		s.recomputeLocked()
	case engine.RegRegistering:
		s.state = engine.RegRegistering
	case engine.RegUnregistered, engine.RegFailed:
		s.state = ev.State
		s.contactURI = ""
		s.expiresAt = time.Time{}
		s.recomputeLocked()
		s.scheduleRetryLocked()
	}
}

// scheduleRetryLocked планирует очередную попытку регистрации либо, при
// исчерпании лимита, переводит соединение в фатальное состояние: дальше
// только ручная перезагрузка клиента, тихих бесконечных ретраев нет.
func (s *Supervisor) scheduleRetryLocked() {
	if s.fatal || s.retryTimer != nil {
		return
	}
	if s.backoff.Exhausted(s.retryCount) {
		s.fatal = true
		slog.Error("connection: max reconnection attempts reached, manual reload required",
			slog.Int("attempts", s.retryCount))
		if s.onFatal != nil {
			s.onFatal()
		}
		return
	}

	delay := s.backoff.DelayWithJitter(s.retryCount)
	s.retryCount++
	s.lastAttemptAt = time.Now()
	slog.Info("connection: scheduling re-registration",
		slog.Int("retry", s.retryCount),
		slog.Duration("delay", delay))
	s.retryTimer = time.AfterFunc(delay, s.retry)
}

func (s *Supervisor) retry() {
	if !s.sess.Active() {
		return
	}

	s.mu.Lock()
	s.retryTimer = nil
	if s.state == engine.RegRegistered {
		s.mu.Unlock()
		return
	}
	s.state = engine.RegRegistering
	s.mu.Unlock()

	if err := s.eng.Register(s.sess.Context()); err != nil {
		slog.Warn("connection: re-registration attempt failed",
			slog.String("error", err.Error()))
		s.mu.Lock()
		s.state = engine.RegFailed
		s.scheduleRetryLocked()
		s.mu.Unlock()
	}
}

// healthLoop периодическая liveness-проба транспорта. Сбой пробы
// синтезирует событие disconnected и уходит в общий механизм
// переподключения, независимо от событий регистрации.
func (s *Supervisor) healthLoop() {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sess.Context().Done():
			return
		case <-ticker.C:
			if !s.sess.Active() {
				return
			}
			if err := s.eng.Alive(s.sess.Context()); err != nil {
				s.eng.Events().Publish(engine.DisconnectedEvent{
					Reason: "health probe failed: " + err.Error(),
				})
			}
		}
	}
}

// recomputeLocked пересчитывает reachable из текущих сигналов.
func (s *Supervisor) recomputeLocked() {
	now := time.Now()
	sig := Signals{
		ContactURI:    s.contactURI,
		ExpiresAt:     s.expiresAt,
		BackendOnline: s.backendOnline,
	}

	if Disagreement(sig, now) {
		LogDisagreement(sig, now)
		if s.onDisagreement != nil {
			s.onDisagreement(sig)
		}
	}

	newReachable := Reachable(sig, now)
	if newReachable != s.reachable {
		s.reachable = newReachable
		slog.Info("connection: reachability changed", slog.Bool("reachable", newReachable))
		if s.onReachable != nil {
			s.onReachable(newReachable)
		}
	}
}
