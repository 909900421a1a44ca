// Package transfer реализует координатор переводов вызова: слепой перевод
// (REFER) и сопровождаемый перевод через консультационный вызов. Одновременно
// допускается не больше одного активного перевода; итог каждого перевода
// синхронно пишется в ограниченный журнал.
package transfer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Kind тип перевода.
type Kind string

const (
	KindBlind    Kind = "blind"
	KindAttended Kind = "attended"
)

// Status состояние сессии перевода.
//
// initiated    – REFER отправлен, подтверждения еще нет;
// consultation – консультационный вызов установлен (только attended);
// completing   – завершение attended-перевода отправлено, ждем подтверждения;
// completed    – оператор подтвердил успех (NOTIFY / transfer:result);
// completed_unconfirmed – подтверждение не пришло за таймаут, успех принят
// оптимистически;
// failed       – оператор сообщил об отказе;
// cancelled    – агент отменил консультацию и вернулся к исходному вызову.
type Status string

const (
	StatusInitiated    Status = "initiated"
	StatusConsultation Status = "consultation"
	StatusCompleting   Status = "completing"
	StatusCompleted    Status = "completed"
	StatusUnconfirmed  Status = "completed_unconfirmed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// события автомата сессии перевода
const (
	evConsultUp    = "consult_up"
	evCompleteSent = "complete_sent"
	evConfirm      = "confirm"
	evAssume       = "assume"
	evFail         = "fail"
	evCancel       = "cancel"
)

func newTransferFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusInitiated),
		fsm.Events{
			{Name: evConsultUp, Src: []string{string(StatusInitiated)}, Dst: string(StatusConsultation)},
			{Name: evCompleteSent, Src: []string{string(StatusConsultation)}, Dst: string(StatusCompleting)},
			{Name: evConfirm, Src: []string{string(StatusInitiated), string(StatusCompleting)}, Dst: string(StatusCompleted)},
			{Name: evAssume, Src: []string{string(StatusInitiated), string(StatusCompleting)}, Dst: string(StatusUnconfirmed)},
			{Name: evFail, Src: []string{string(StatusInitiated), string(StatusConsultation), string(StatusCompleting)}, Dst: string(StatusFailed)},
			{Name: evCancel, Src: []string{string(StatusConsultation)}, Dst: string(StatusCancelled)},
		}, nil,
	)
}

// Session одна попытка перевода. Не потокобезопасна сама по себе:
// все мутации идут под мьютексом координатора.
type Session struct {
	ID             string
	Kind           Kind
	Target         string
	OriginalCallID string
	ConsultCallID  string
	StartedAt      time.Time
	FinishedAt     time.Time

	fsm *fsm.FSM
}

func newSession(kind Kind, target, originalCallID string) *Session {
	return &Session{
		ID:             uuid.NewString(),
		Kind:           kind,
		Target:         target,
		OriginalCallID: originalCallID,
		StartedAt:      time.Now(),
		fsm:            newTransferFSM(),
	}
}

// Status текущее состояние сессии.
func (s *Session) Status() Status {
	return Status(s.fsm.Current())
}

// Terminal true, если перевод закончен (в любом исходе).
func (s *Session) Terminal() bool {
	switch s.Status() {
	case StatusCompleted, StatusUnconfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s *Session) apply(event string) error {
	return s.fsm.Event(context.Background(), event)
}
