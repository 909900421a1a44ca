package transfer

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/call"
	"github.com/arzzra/agent_phone/pkg/engine"
	"github.com/arzzra/agent_phone/pkg/guard"
)

// DefaultCompletionTimeout окно ожидания подтверждения перевода. Если за
// это время не пришло ни успеха, ни отказа, успех принимается оптимистически.
const DefaultCompletionTimeout = 5 * time.Second

var targetRe = regexp.MustCompile(`^[0-9*#]+$`)

var (
	// ErrTransferInProgress другой перевод еще не завершен.
	ErrTransferInProgress = errors.New("transfer: another transfer is in progress")
	// ErrNoTransfer нет активной сессии перевода.
	ErrNoTransfer = errors.New("transfer: no active transfer")
	// ErrNotEstablished перевод возможен только из установленного вызова.
	ErrNotEstablished = errors.New("transfer: call is not established")
	// ErrInvalidTarget цель перевода содержит недопустимые символы.
	ErrInvalidTarget = errors.New("transfer: invalid target")
)

// CallControl минимальный срез машины вызова, нужный координатору.
// Реализуется call.Machine.
type CallControl interface {
	Status() call.Status
	CallID() string
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	Hangup(ctx context.Context) error
}

// Options зависимости координатора переводов.
type Options struct {
	Session *guard.SessionContext
	Engine  engine.Engine
	Call    CallControl
	// History журнал итогов; nil — без журнала.
	History *Log
	// Timeout окно оптимистического завершения; 0 — DefaultCompletionTimeout.
	Timeout time.Duration
	// OnNotify пользовательские сообщения (отказ перевода и т.п.).
	OnNotify func(string)
	// OnFinished вызывается после записи итога в журнал (метрики, UI).
	OnFinished func(Record)
}

// Coordinator ведет не больше одной сессии перевода за раз.
type Coordinator struct {
	mu   sync.Mutex
	sess *guard.SessionContext
	eng  engine.Engine
	cm   CallControl
	log  *Log

	timeout    time.Duration
	onNotify   func(string)
	onFinished func(Record)

	cur   *Session
	timer *time.Timer
	sub   *engine.Subscription
}

// NewCoordinator создает координатор. Для получения событий движка
// нужно вызвать Start.
func NewCoordinator(opts Options) *Coordinator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCompletionTimeout
	}
	return &Coordinator{
		sess:       opts.Session,
		eng:        opts.Engine,
		cm:         opts.Call,
		log:        opts.History,
		timeout:    timeout,
		onNotify:   opts.OnNotify,
		onFinished: opts.OnFinished,
	}
}

// Start подписывает координатор на итоги переводов от движка.
func (c *Coordinator) Start() {
	c.sub = c.eng.Events().Subscribe(engine.TopicTransferResult, c.handleResult)
}

// Close снимает подписку и останавливает таймер.
func (c *Coordinator) Close() {
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
}

// Current снимок активной сессии (nil, если перевода нет).
func (c *Coordinator) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// History сохраненные итоги переводов.
func (c *Coordinator) History() ([]Record, error) {
	return c.log.Recent()
}

// Blind выполняет слепой перевод установленного вызова на target.
// После принятия перевода оператором агентское плечо завершается; если
// подтверждение не приходит за таймаут, успех принимается оптимистически.
func (c *Coordinator) Blind(ctx context.Context, target string) error {
	if !c.sess.Active() {
		slog.Debug("transfer: blind ignored, session ended")
		return nil
	}
	if !targetRe.MatchString(target) {
		return ErrInvalidTarget
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ErrTransferInProgress
	}
	if c.cm.Status() != call.StatusEstablished {
		c.mu.Unlock()
		return ErrNotEstablished
	}
	s := newSession(KindBlind, target, c.cm.CallID())
	c.cur = s
	c.mu.Unlock()

	slog.Info("transfer: blind initiated",
		slog.String("transfer_id", s.ID),
		slog.String("target", target))

	err := c.eng.TransferCall(ctx, target)

	c.mu.Lock()
	if c.cur != s {
		// Пока ждали движок, сессию уже закрыли (logout или итог).
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		_ = s.apply(evFail)
		c.finishLocked(s, 0, "refer rejected")
		c.mu.Unlock()
		return errors.Wrap(err, "blind transfer")
	}
	c.armTimerLocked(s)
	c.mu.Unlock()
	return nil
}

// StartAttended ставит текущий вызов на удержание и открывает
// консультационный вызов к target.
func (c *Coordinator) StartAttended(ctx context.Context, target string) error {
	if !c.sess.Active() {
		slog.Debug("transfer: attended ignored, session ended")
		return nil
	}
	if !targetRe.MatchString(target) {
		return ErrInvalidTarget
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ErrTransferInProgress
	}
	if c.cm.Status() != call.StatusEstablished {
		c.mu.Unlock()
		return ErrNotEstablished
	}
	s := newSession(KindAttended, target, c.cm.CallID())
	c.cur = s
	c.mu.Unlock()

	if err := c.cm.Hold(ctx); err != nil {
		c.abandon(s)
		return errors.Wrap(err, "hold before consultation")
	}

	consult, err := c.eng.AttendedTransfer(ctx, target)

	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		_ = s.apply(evFail)
		c.finishLocked(s, 0, "consultation failed")
		c.mu.Unlock()
		// Вернуть агента к исходному вызову.
		if uerr := c.cm.Unhold(ctx); uerr != nil {
			slog.Warn("transfer: unhold after failed consultation",
				slog.String("error", uerr.Error()))
		}
		return errors.Wrap(err, "attended transfer")
	}
	s.ConsultCallID = consult.ID()
	_ = s.apply(evConsultUp)
	c.mu.Unlock()

	slog.Info("transfer: consultation established",
		slog.String("transfer_id", s.ID),
		slog.String("target", target),
		slog.String("consult_call_id", consult.ID()))
	return nil
}

// Complete сшивает консультируемого с исходным абонентом (REFER w/Replaces)
// и завершает оба агентских плеча.
func (c *Coordinator) Complete(ctx context.Context) error {
	if !c.sess.Active() {
		return nil
	}

	c.mu.Lock()
	s := c.cur
	if s == nil || s.Kind != KindAttended || s.Status() != StatusConsultation {
		c.mu.Unlock()
		return ErrNoTransfer
	}
	_ = s.apply(evCompleteSent)
	c.mu.Unlock()

	err := c.eng.CompleteAttendedTransfer(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != s {
		return nil
	}
	if err != nil {
		_ = s.apply(evFail)
		c.finishLocked(s, 0, "complete rejected")
		return errors.Wrap(err, "complete attended transfer")
	}
	c.armTimerLocked(s)
	return nil
}

// Cancel отменяет консультацию и возвращает исходный вызов с удержания.
func (c *Coordinator) Cancel(ctx context.Context) error {
	if !c.sess.Active() {
		return nil
	}

	c.mu.Lock()
	s := c.cur
	if s == nil || s.Kind != KindAttended || s.Status() != StatusConsultation {
		c.mu.Unlock()
		return ErrNoTransfer
	}
	_ = s.apply(evCancel)
	c.finishLocked(s, 0, "cancelled by agent")
	c.mu.Unlock()

	if err := c.eng.CancelAttendedTransfer(ctx); err != nil {
		// Консультационное плечо доумрет по таймауту на стороне движка.
		slog.Warn("transfer: cancel consultation leg", slog.String("error", err.Error()))
	}
	if err := c.cm.Unhold(ctx); err != nil {
		return errors.Wrap(err, "unhold after cancel")
	}
	return nil
}

// Abort сбрасывает активную сессию без сетевых действий (teardown при logout).
func (c *Coordinator) Abort() {
	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return
	}
	_ = s.apply(evFail)
	c.finishLocked(s, 0, "aborted")
	c.mu.Unlock()
}

func (c *Coordinator) handleResult(ev engine.Event) {
	if !c.sess.Active() {
		return
	}
	tr := ev.(engine.TransferResultEvent)

	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return
	}
	if tr.CallID != "" && tr.CallID != s.OriginalCallID && tr.CallID != s.ConsultCallID {
		c.mu.Unlock()
		slog.Debug("transfer: result for foreign call, ignored",
			slog.String("call_id", tr.CallID))
		return
	}

	switch {
	case tr.Success && (s.Status() == StatusInitiated || s.Status() == StatusCompleting):
		_ = s.apply(evConfirm)
		c.finishLocked(s, tr.StatusCode, "confirmed")
		c.mu.Unlock()
		c.hangupAfterSuccess(s)

	case !tr.Success && !s.Terminal():
		reason := call.ReasonForStatus(tr.StatusCode, tr.ReasonPhrase)
		_ = s.apply(evFail)
		c.finishLocked(s, tr.StatusCode, reason)
		c.mu.Unlock()
		c.notify("transfer failed: " + reason)

	default:
		c.mu.Unlock()
	}
}

// onTimeout окно подтверждения истекло: принимаем успех оптимистически.
func (c *Coordinator) onTimeout(s *Session) {
	if !c.sess.Active() {
		return
	}

	c.mu.Lock()
	if c.cur != s || s.Terminal() {
		c.mu.Unlock()
		return
	}
	slog.Warn("transfer: completion unconfirmed, assuming success",
		slog.String("transfer_id", s.ID),
		slog.String("target", s.Target),
		slog.Duration("timeout", c.timeout))
	_ = s.apply(evAssume)
	c.finishLocked(s, 0, "unconfirmed")
	c.mu.Unlock()

	c.hangupAfterSuccess(s)
}

// hangupAfterSuccess завершает агентское плечо после успешного (или
// оптимистически успешного) перевода. Абоненты уже соединены оператором.
func (c *Coordinator) hangupAfterSuccess(s *Session) {
	if err := c.cm.Hangup(context.Background()); err != nil {
		slog.Warn("transfer: hangup after transfer",
			slog.String("transfer_id", s.ID),
			slog.String("error", err.Error()))
	}
}

// abandon убирает сессию, не дошедшую до сетевых действий.
func (c *Coordinator) abandon(s *Session) {
	c.mu.Lock()
	if c.cur == s {
		_ = s.apply(evFail)
		c.finishLocked(s, 0, "not started")
	}
	c.mu.Unlock()
}

// finishLocked закрывает сессию: останавливает таймер, пишет журнал,
// освобождает слот. Вызывается под c.mu.
func (c *Coordinator) finishLocked(s *Session, code int, reason string) {
	c.stopTimerLocked()
	s.FinishedAt = time.Now()
	c.cur = nil

	rec := Record{
		ID:             s.ID,
		Kind:           s.Kind,
		Target:         s.Target,
		OriginalCallID: s.OriginalCallID,
		Outcome:        s.Status(),
		StatusCode:     code,
		Reason:         reason,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
	}
	if err := c.log.Append(rec); err != nil {
		slog.Error("transfer: write history", slog.String("error", err.Error()))
	}

	slog.Info("transfer: finished",
		slog.String("transfer_id", s.ID),
		slog.String("kind", string(s.Kind)),
		slog.String("outcome", string(s.Status())),
		slog.String("reason", reason))

	if c.onFinished != nil {
		c.onFinished(rec)
	}
}

func (c *Coordinator) armTimerLocked(s *Session) {
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.timeout, func() { c.onTimeout(s) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) notify(msg string) {
	if c.onNotify != nil {
		c.onNotify(msg)
	}
}
