// Package engine определяет контракт SIP-движка для softphone-клиента.
//
// Сам протокольный стек (переговоры сессии, SDP, транспорт) — внешний
// коллаборатор. Пакет описывает только его наблюдаемое поведение: действия
// над вызовом и поток событий жизненного цикла, публикуемых в типизированную
// шину Bus. Реализация поверх sipgo живет в pkg/sipstack, управляемая
// заглушка для тестов — в pkg/engine/enginetest.
package engine

import "context"

// SessionHandle непрозрачная ссылка на SIP-сессию. Владеет ею исключительно
// машина состояний вызова; остальные компоненты передают handle движку
// не заглядывая внутрь.
type SessionHandle interface {
	ID() string
}

// CallOptions параметры установления вызова.
type CallOptions struct {
	// DisplayName подставляется в From при исходящем вызове.
	DisplayName string
	// Headers дополнительные заголовки запроса.
	Headers map[string]string
}

// Engine контракт SIP-движка.
//
// Все блокирующие операции принимают context. Результаты сигналятся и через
// ошибки, и через события в Events(): завершения асинхронных операций могут
// приходить в произвольном порядке относительно новых событий.
type Engine interface {
	// Register инициирует SIP-регистрацию. Прогресс и результат приходят
	// событиями RegistrationEvent.
	Register(ctx context.Context) error
	// Unregister снимает регистрацию (Expires: 0).
	Unregister(ctx context.Context) error

	// MakeCall начинает исходящий вызов на number.
	MakeCall(ctx context.Context, number string, opts CallOptions) (SessionHandle, error)
	// AnswerCall отвечает на текущий входящий вызов.
	AnswerCall(ctx context.Context, opts CallOptions) error
	// EndCall завершает активный вызов (BYE/CANCEL по состоянию).
	EndCall(ctx context.Context) error

	// ToggleMute переключает mute и возвращает новое значение флага.
	ToggleMute(ctx context.Context) (bool, error)
	// HoldCall ставит активный вызов на удержание (re-INVITE sendonly).
	HoldCall(ctx context.Context) error
	// UnholdCall снимает вызов с удержания.
	UnholdCall(ctx context.Context) error

	// TransferCall слепой перевод активного вызова на target (REFER).
	TransferCall(ctx context.Context, target string) error
	// AttendedTransfer устанавливает консультационный вызов к target,
	// не разрушая исходный (тот должен быть на удержании).
	AttendedTransfer(ctx context.Context, target string) (SessionHandle, error)
	// CompleteAttendedTransfer соединяет исходного абонента с целью
	// консультации (REFER w/ Replaces) и завершает консультацию.
	CompleteAttendedTransfer(ctx context.Context) error
	// CancelAttendedTransfer разрывает консультацию, исходный вызов
	// остается на удержании (снятие — забота вызывающего).
	CancelAttendedTransfer(ctx context.Context) error

	// Alive проба живости транспорта; ошибка означает потерю соединения.
	Alive(ctx context.Context) error

	// Events шина событий движка.
	Events() *Bus
}
