// Package enginetest содержит управляемую заглушку SIP-движка для тестов.
// Заглушка записывает вызванные действия и позволяет вручную публиковать
// события жизненного цикла в шину, воспроизводя любые чередования.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/agent_phone/pkg/engine"
)

// Handle тестовая реализация engine.SessionHandle.
type Handle struct{ id string }

func (h Handle) ID() string { return h.id }

// NewHandle создает handle с уникальным id.
func NewHandle() Handle { return Handle{id: uuid.NewString()} }

// Engine управляемая заглушка engine.Engine.
type Engine struct {
	bus *engine.Bus

	mu      sync.Mutex
	calls   []string
	muted   bool
	holding bool

	// Errs позволяет подсунуть ошибку конкретному действию по имени
	// ("MakeCall", "HoldCall", ...).
	Errs map[string]error
	// AliveErr возвращается пробой живости.
	AliveErr error
}

var _ engine.Engine = (*Engine)(nil)

// New создает заглушку со своей шиной.
func New() *Engine {
	return &Engine{bus: engine.NewBus(), Errs: make(map[string]error)}
}

func (e *Engine) Events() *engine.Bus { return e.bus }

func (e *Engine) record(action string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, action)
	return e.Errs[action]
}

// Calls возвращает список выполненных действий по порядку.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallCount число вызовов конкретного действия.
func (e *Engine) CallCount(action string) int {
	n := 0
	for _, c := range e.Calls() {
		if c == action {
			n++
		}
	}
	return n
}

func (e *Engine) Register(ctx context.Context) error   { return e.record("Register") }
func (e *Engine) Unregister(ctx context.Context) error { return e.record("Unregister") }

func (e *Engine) MakeCall(ctx context.Context, number string, opts engine.CallOptions) (engine.SessionHandle, error) {
	if err := e.record("MakeCall"); err != nil {
		return nil, err
	}
	return NewHandle(), nil
}

func (e *Engine) AnswerCall(ctx context.Context, opts engine.CallOptions) error {
	return e.record("AnswerCall")
}

func (e *Engine) EndCall(ctx context.Context) error { return e.record("EndCall") }

func (e *Engine) ToggleMute(ctx context.Context) (bool, error) {
	if err := e.record("ToggleMute"); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = !e.muted
	return e.muted, nil
}

func (e *Engine) HoldCall(ctx context.Context) error   { return e.record("HoldCall") }
func (e *Engine) UnholdCall(ctx context.Context) error { return e.record("UnholdCall") }

func (e *Engine) TransferCall(ctx context.Context, target string) error {
	return e.record("TransferCall")
}

func (e *Engine) AttendedTransfer(ctx context.Context, target string) (engine.SessionHandle, error) {
	if err := e.record("AttendedTransfer"); err != nil {
		return nil, err
	}
	return NewHandle(), nil
}

func (e *Engine) CompleteAttendedTransfer(ctx context.Context) error {
	return e.record("CompleteAttendedTransfer")
}

func (e *Engine) CancelAttendedTransfer(ctx context.Context) error {
	return e.record("CancelAttendedTransfer")
}

func (e *Engine) Alive(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.AliveErr
}

// Хелперы публикации событий.

// EmitIncoming публикует входящий вызов и возвращает его handle.
func (e *Engine) EmitIncoming(callID, remote string) Handle {
	h := NewHandle()
	e.bus.Publish(engine.IncomingCallEvent{CallID: callID, RemoteIdentity: remote, Session: h})
	return h
}

func (e *Engine) EmitSessionState(callID string, st engine.SessionState) {
	e.bus.Publish(engine.SessionStateEvent{CallID: callID, State: st})
}

func (e *Engine) EmitProgress(callID string, code int) {
	e.bus.Publish(engine.ProgressEvent{CallID: callID, StatusCode: code})
}

func (e *Engine) EmitFailure(callID string, code int, reason string) {
	e.bus.Publish(engine.CallFailedEvent{CallID: callID, StatusCode: code, ReasonPhrase: reason})
}

func (e *Engine) EmitRegistration(st engine.RegState, contact string, expires time.Time) {
	e.bus.Publish(engine.RegistrationEvent{State: st, ContactURI: contact, ExpiresAt: expires})
}

func (e *Engine) EmitTransferResult(callID, target string, ok bool, code int, reason string) {
	e.bus.Publish(engine.TransferResultEvent{
		CallID: callID, Target: target, Success: ok, StatusCode: code, ReasonPhrase: reason,
	})
}
