package call

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/engine"
	"github.com/arzzra/agent_phone/pkg/guard"
)

// допустимые символы набираемого номера
var numberRe = regexp.MustCompile(`^[0-9*#]+$`)

const transitionHistoryLimit = 20

// Options зависимости машины состояний вызова.
type Options struct {
	Session *guard.SessionContext
	Engine  engine.Engine
	// Audio управляет локальными звуковыми сигналами; nil — NoopAudio.
	Audio AudioController
	// Reachable сообщает, доступен ли агент для вызовов (см. pkg/connection).
	// nil трактуется как "всегда недоступен".
	Reachable func() bool
}

// Machine машина состояний активного вызова.
//
// Все мутации сериализуются одним мьютексом: модель клиента —
// один логический поток, гонки возможны только как чередования
// асинхронных завершений, и каждая точка входа перепроверяет
// актуальность состояния перед применением результата.
type Machine struct {
	mu   sync.Mutex
	fsm  *fsm.FSM
	sess *guard.SessionContext
	eng  engine.Engine
	aud  AudioController

	reachable func() bool

	callID         string
	session        engine.SessionHandle
	direction      Direction
	directionSet   bool
	remoteIdentity string
	startTime      time.Time
	duration       int
	muted          bool
	onHold         bool
	ringtone       bool
	byeSent        bool
	lastReason     string

	tickStop chan struct{}

	history []Transition

	onChange func(Snapshot)
	onNotify func(string)

	subs []*engine.Subscription
}

// NewMachine создает машину в состоянии Idle. Для получения событий движка
// нужно вызвать Start.
func NewMachine(opts Options) *Machine {
	aud := opts.Audio
	if aud == nil {
		aud = NoopAudio{}
	}
	m := &Machine{
		sess:      opts.Session,
		eng:       opts.Engine,
		aud:       aud,
		reachable: opts.Reachable,
		history:   make([]Transition, 0, transitionHistoryLimit),
	}
	m.fsm = newCallFSM(m.afterTransition)
	return m
}

func formEventName(src, dst Status) string {
	b := strings.Builder{}
	b.WriteString(string(src))
	b.WriteString("_to_")
	b.WriteString(string(dst))
	return b.String()
}

// newCallFSM собирает конечный автомат вызова.
//
// Диаграмма переходов:
//
//	[Idle] → [Connecting] → [Ringing] → [Established] → [Terminating] → [Terminated] → [Idle]
//	[Idle] → [Ringing]      [Connecting] → [Established]   (пропуск Ringing допустим)
//	[Connecting|Ringing] → [Terminating]                   (отбой до ответа)
//
// Сброс в Idle при сбое вызова выполняется принудительно (SetState) после
// остановки звука — это аварийный путь, а не обычное ребро.
func newCallFSM(after func(ctx context.Context, e *fsm.Event)) *fsm.FSM {
	edge := func(src, dst Status) fsm.EventDesc {
		return fsm.EventDesc{Name: formEventName(src, dst), Src: []string{string(src)}, Dst: string(dst)}
	}
	return fsm.NewFSM(
		string(StatusIdle),
		fsm.Events{
			edge(StatusIdle, StatusConnecting),
			edge(StatusIdle, StatusRinging),
			edge(StatusConnecting, StatusRinging),
			edge(StatusConnecting, StatusEstablished),
			edge(StatusRinging, StatusEstablished),
			edge(StatusConnecting, StatusTerminating),
			edge(StatusRinging, StatusTerminating),
			edge(StatusEstablished, StatusTerminating),
			edge(StatusTerminating, StatusTerminated),
			edge(StatusTerminated, StatusIdle),
		},
		fsm.Callbacks{
			"after_event": after,
		},
	)
}

// Start подписывает машину на события движка.
func (m *Machine) Start() {
	bus := m.eng.Events()
	m.subs = []*engine.Subscription{
		bus.Subscribe(engine.TopicIncomingCall, m.handleIncoming),
		bus.Subscribe(engine.TopicSessionState, m.handleSessionState),
		bus.Subscribe(engine.TopicProgress, m.handleProgress),
		bus.Subscribe(engine.TopicCallFailed, m.handleCallFailed),
		bus.Subscribe(engine.TopicMediaFailure, m.handleMediaFailure),
	}
}

// Close снимает подписки и останавливает таймеры.
func (m *Machine) Close() {
	for _, s := range m.subs {
		s.Close()
	}
	m.subs = nil
	m.mu.Lock()
	m.stopTickerLocked()
	m.mu.Unlock()
}

// OnChange устанавливает обработчик снапшотов состояния. Обработчик
// вызывается синхронно под внутренним мьютексом и не должен обращаться
// к методам машины.
func (m *Machine) OnChange(h func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = h
}

// OnNotification устанавливает обработчик пользовательских сообщений
// (отказы вызова, сбои медиа). Те же ограничения, что у OnChange.
func (m *Machine) OnNotification(h func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNotify = h
}

// Status текущее состояние вызова.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// OnHold стоит ли вызов на удержании.
func (m *Machine) OnHold() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onHold
}

// CallID идентификатор активного вызова ("" если вызова нет).
func (m *Machine) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

// Snapshot срез состояния для UI.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// History последние переходы состояний (для диагностики).
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Dial начинает исходящий вызов. Ошибки предусловий (ErrNotRegistered,
// ErrInvalidNumber, ErrCallInProgress) возвращаются до побочных эффектов.
// После logout — no-op.
func (m *Machine) Dial(ctx context.Context, number string, opts engine.CallOptions) error {
	if !m.sess.Active() {
		slog.Debug("call: dial ignored, session ended")
		return nil
	}

	m.mu.Lock()
	if m.statusLocked() != StatusIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	if m.reachable == nil || !m.reachable() {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	if !numberRe.MatchString(number) {
		m.mu.Unlock()
		return ErrInvalidNumber
	}
	m.setDirectionLocked(DirectionOutbound)
	m.remoteIdentity = number
	m.transitionLocked(StatusConnecting)
	m.mu.Unlock()

	sessHandle, err := m.eng.MakeCall(ctx, number, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.stopAudioLocked()
		m.resetLocked("dial failed")
		return errors.Wrap(err, "make call")
	}
	if !m.sess.Active() || m.statusLocked() != StatusConnecting {
		// Пока ждали движок, вызов уже отбили или начался logout.
		// Результат устарел, применять нельзя.
		slog.Debug("call: dial result arrived late, ignored",
			slog.String("state", m.statusLocked().String()))
		return nil
	}
	m.session = sessHandle
	m.callID = sessHandle.ID()
	m.notifyChangeLocked()
	return nil
}

// Answer отвечает на входящий вызов. Валиден только в Ringing/Inbound.
func (m *Machine) Answer(ctx context.Context, opts engine.CallOptions) error {
	if !m.sess.Active() {
		slog.Debug("call: answer ignored, session ended")
		return nil
	}

	m.mu.Lock()
	if m.statusLocked() != StatusRinging || m.direction != DirectionInbound {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	m.mu.Unlock()

	err := m.eng.AnswerCall(ctx, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.stopAudioLocked()
		m.resetLocked("answer failed")
		return errors.Wrap(err, "answer call")
	}
	if m.statusLocked() != StatusRinging {
		// Вызов ушел из Ringing пока ждали движок (отбой удаленной
		// стороны или сбой) — результат answer игнорируем.
		slog.Debug("call: answer result arrived late, ignored")
	}
	return nil
}

// Hangup завершает вызов из любого не-Idle состояния. Идемпотентен:
// повторные вызовы в Terminating не порождают новых обращений к движку.
func (m *Machine) Hangup(ctx context.Context) error {
	if !m.sess.Active() {
		slog.Debug("call: hangup ignored, session ended")
		return nil
	}

	m.mu.Lock()
	switch m.statusLocked() {
	case StatusIdle, StatusTerminated:
		m.mu.Unlock()
		return nil
	case StatusTerminating:
		m.mu.Unlock()
		return nil
	}
	if m.byeSent {
		m.mu.Unlock()
		return nil
	}
	m.byeSent = true
	m.stopAudioLocked()
	m.transitionLocked(StatusTerminating)
	m.mu.Unlock()

	if err := m.eng.EndCall(ctx); err != nil {
		// Завершение все равно доедет событием Terminated или call:failed.
		slog.Warn("call: end call failed", slog.String("error", err.Error()))
		return errors.Wrap(err, "end call")
	}
	return nil
}

// ToggleMute переключает mute, возвращает новое значение флага.
func (m *Machine) ToggleMute(ctx context.Context) (bool, error) {
	if !m.sess.Active() {
		return false, nil
	}

	m.mu.Lock()
	if m.statusLocked() != StatusEstablished {
		m.mu.Unlock()
		return false, ErrNotInCall
	}
	m.mu.Unlock()

	muted, err := m.eng.ToggleMute(ctx)
	if err != nil {
		return false, errors.Wrap(err, "toggle mute")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	m.notifyChangeLocked()
	return muted, nil
}

// Hold ставит установленный вызов на удержание. Повторный Hold — no-op.
func (m *Machine) Hold(ctx context.Context) error {
	if !m.sess.Active() {
		return nil
	}

	m.mu.Lock()
	if m.statusLocked() != StatusEstablished {
		m.mu.Unlock()
		return ErrNotInCall
	}
	if m.onHold {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.eng.HoldCall(ctx); err != nil {
		return errors.Wrap(err, "hold call")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHold = true
	m.notifyChangeLocked()
	return nil
}

// Unhold снимает вызов с удержания.
func (m *Machine) Unhold(ctx context.Context) error {
	if !m.sess.Active() {
		return nil
	}

	m.mu.Lock()
	if m.statusLocked() != StatusEstablished {
		m.mu.Unlock()
		return ErrNotInCall
	}
	if !m.onHold {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.eng.UnholdCall(ctx); err != nil {
		return errors.Wrap(err, "unhold call")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHold = false
	m.notifyChangeLocked()
	return nil
}

// Обработчики событий движка.

func (m *Machine) handleIncoming(ev engine.Event) {
	if !m.sess.Active() {
		return
	}
	ic := ev.(engine.IncomingCallEvent)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusLocked() != StatusIdle {
		slog.Info("call: incoming call while busy, ignored",
			slog.String("remote", ic.RemoteIdentity),
			slog.String("state", m.statusLocked().String()))
		return
	}
	m.callID = ic.CallID
	m.session = ic.Session
	m.remoteIdentity = ic.RemoteIdentity
	m.setDirectionLocked(DirectionInbound)
	m.transitionLocked(StatusRinging)
	m.ringtone = true
	m.aud.StartRingtone()
	m.notifyChangeLocked()
}

func (m *Machine) handleSessionState(ev engine.Event) {
	if !m.sess.Active() {
		return
	}
	se := ev.(engine.SessionStateEvent)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.callID != "" && se.CallID != "" && se.CallID != m.callID {
		slog.Debug("call: session event for foreign call, ignored",
			slog.String("call_id", se.CallID))
		return
	}

	cur := m.statusLocked()
	switch se.State {
	case engine.SessionInitial:
		// Направление уже зафиксировано явным событием (dial либо
		// call:incoming); из факта создания сессии ничего не выводим.
	case engine.SessionEstablishing:
		if cur == StatusConnecting {
			// Исходящий вызов: ringback играет оператор, локальный
			// ringtone не включаем.
			m.transitionLocked(StatusRinging)
			m.notifyChangeLocked()
		}
	case engine.SessionEstablished:
		if cur == StatusConnecting || cur == StatusRinging {
			m.stopAudioLocked()
			m.transitionLocked(StatusEstablished)
			m.startTime = time.Now()
			m.duration = 0
			m.startTickerLocked()
			m.notifyChangeLocked()
		}
	case engine.SessionTerminating:
		if cur == StatusConnecting || cur == StatusRinging || cur == StatusEstablished {
			m.stopAudioLocked()
			m.transitionLocked(StatusTerminating)
			m.notifyChangeLocked()
		}
	case engine.SessionTerminated:
		switch cur {
		case StatusTerminating:
			m.transitionLocked(StatusTerminated)
			m.resetLocked("terminated")
		case StatusConnecting, StatusRinging, StatusEstablished:
			// Terminating не наблюдали — пропуск допустим, проходим
			// через него, чтобы не срезать ребра.
			m.stopAudioLocked()
			m.transitionLocked(StatusTerminating)
			m.transitionLocked(StatusTerminated)
			m.resetLocked("terminated")
		}
	}
}

func (m *Machine) handleProgress(ev engine.Event) {
	if !m.sess.Active() {
		return
	}
	pr := ev.(engine.ProgressEvent)
	if pr.StatusCode != 180 && pr.StatusCode != 183 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusLocked() == StatusConnecting {
		m.transitionLocked(StatusRinging)
		m.notifyChangeLocked()
	}
}

func (m *Machine) handleCallFailed(ev engine.Event) {
	if !m.sess.Active() {
		return
	}
	cf := ev.(engine.CallFailedEvent)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusLocked() == StatusIdle {
		return
	}

	perr := ErrCallRejected(m.callID, cf.StatusCode, cf.ReasonPhrase)
	slog.Info("call: failed",
		slog.String("call_id", m.callID),
		slog.Int("status_code", cf.StatusCode),
		slog.String("code", perr.Code),
		slog.String("category", perr.Category.String()),
		slog.Bool("retryable", perr.Retryable),
		slog.String("reason", perr.Message))

	// Сначала звук, потом сброс полей: UI не должен увидеть Idle
	// под еще играющий ringtone.
	m.stopAudioLocked()
	m.lastReason = perr.Message
	m.notifyUserLocked(perr.Message)
	m.resetLocked("call failed")
}

func (m *Machine) handleMediaFailure(ev engine.Event) {
	if !m.sess.Active() {
		return
	}
	mf := ev.(engine.MediaFailureEvent)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusLocked() == StatusIdle {
		return
	}

	perr := ErrMediaFailed(m.callID, mf.Kind)
	slog.Warn("call: media failed",
		slog.String("call_id", m.callID),
		slog.String("kind", mf.Kind),
		slog.String("code", perr.Code),
		slog.String("category", perr.Category.String()))
	m.stopAudioLocked()
	m.lastReason = perr.Message
	m.notifyUserLocked(perr.Message)
	m.resetLocked("media failure")
}

// Внутренности. Все *Locked вызываются под m.mu.

func (m *Machine) statusLocked() Status {
	return Status(m.fsm.Current())
}

func (m *Machine) transitionLocked(to Status) {
	from := m.statusLocked()
	if err := m.fsm.Event(context.Background(), formEventName(from, to)); err != nil {
		slog.Error("call: invalid state transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("error", err.Error()))
	}
}

func (m *Machine) afterTransition(_ context.Context, e *fsm.Event) {
	m.history = append(m.history, Transition{
		From: Status(e.Src),
		To:   Status(e.Dst),
		At:   time.Now(),
	})
	if len(m.history) > transitionHistoryLimit {
		m.history = m.history[1:]
	}
}

func (m *Machine) setDirectionLocked(d Direction) {
	if m.directionSet {
		if m.direction != d {
			slog.Warn("call: attempt to change sticky direction ignored",
				slog.String("current", m.direction.String()),
				slog.String("attempted", d.String()))
		}
		return
	}
	m.direction = d
	m.directionSet = true
}

func (m *Machine) stopAudioLocked() {
	if m.ringtone {
		m.aud.StopRingtone()
		m.ringtone = false
	}
}

// resetLocked возвращает машину в Idle и обнуляет все поля вызова.
// Звук должен быть остановлен до вызова.
func (m *Machine) resetLocked(why string) {
	m.stopTickerLocked()

	if from := m.statusLocked(); from != StatusIdle {
		if from == StatusTerminated {
			m.transitionLocked(StatusIdle)
		} else {
			// Аварийный сброс из произвольного состояния.
			m.fsm.SetState(string(StatusIdle))
			m.history = append(m.history, Transition{From: from, To: StatusIdle, At: time.Now()})
		}
	}

	m.callID = ""
	m.session = nil
	m.direction = DirectionNone
	m.directionSet = false
	m.remoteIdentity = ""
	m.startTime = time.Time{}
	m.duration = 0
	m.muted = false
	m.onHold = false
	m.byeSent = false

	slog.Debug("call: reset to idle", slog.String("reason", why))
	m.notifyChangeLocked()
}

func (m *Machine) startTickerLocked() {
	m.stopTickerLocked()
	stop := make(chan struct{})
	m.tickStop = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.sess.Context().Done():
				return
			case <-ticker.C:
				if !m.sess.Active() {
					return
				}
				m.mu.Lock()
				if m.statusLocked() != StatusEstablished {
					m.mu.Unlock()
					return
				}
				m.duration = int(time.Since(m.startTime).Seconds())
				m.notifyChangeLocked()
				m.mu.Unlock()
			}
		}
	}()
}

func (m *Machine) stopTickerLocked() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		CallID:          m.callID,
		Status:          m.statusLocked(),
		Direction:       m.direction,
		RemoteIdentity:  m.remoteIdentity,
		StartTime:       m.startTime,
		DurationSeconds: m.duration,
		Muted:           m.muted,
		OnHold:          m.onHold,
		RingtonePlaying: m.ringtone,
		LastReason:      m.lastReason,
	}
}

func (m *Machine) notifyChangeLocked() {
	if m.onChange != nil {
		m.onChange(m.snapshotLocked())
	}
}

func (m *Machine) notifyUserLocked(msg string) {
	if m.onNotify != nil {
		m.onNotify(msg)
	}
}
