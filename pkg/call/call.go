// Package call реализует машину состояний активного вызова softphone-клиента.
//
// Машина — единственный источник правды о жизненном цикле вызова, независимо
// от того, какая сторона его инициировала. Она потребляет события движка
// (pkg/engine), исполняет намерения пользователя (dial/answer/hold/mute) и
// публикует снапшоты состояния наверх. Переводы вызова живут отдельно в
// pkg/transfer и мутируют состояние только через операции этой машины.
package call

import "time"

// Status состояние вызова.
type Status string

const (
	StatusIdle        Status = "Idle"
	StatusConnecting  Status = "Connecting"
	StatusRinging     Status = "Ringing"
	StatusEstablished Status = "Established"
	StatusTerminating Status = "Terminating"
	StatusTerminated  Status = "Terminated"
)

func (s Status) String() string { return string(s) }

// Direction направление вызова. Назначается ровно один раз за вызов первым
// явным событием (dial или call:incoming) и не меняется до его конца.
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionInbound  Direction = "Inbound"
	DirectionOutbound Direction = "Outbound"
)

func (d Direction) String() string { return string(d) }

// Snapshot неизменяемый срез состояния вызова для UI и метрик.
type Snapshot struct {
	CallID          string
	Status          Status
	Direction       Direction
	RemoteIdentity  string
	StartTime       time.Time
	DurationSeconds int
	Muted           bool
	OnHold          bool
	RingtonePlaying bool
	LastReason      string
}

// Transition запись перехода состояния, хранится для диагностики.
type Transition struct {
	From Status
	To   Status
	At   time.Time
}

// AudioController локальные звуковые сигналы. Ringtone играет только для
// входящих вызовов: исходящие ждут ringback от оператора (180/183), иначе
// абонент слышит двойной звук.
type AudioController interface {
	StartRingtone()
	StopRingtone()
}

// NoopAudio заглушка без звука.
type NoopAudio struct{}

func (NoopAudio) StartRingtone() {}
func (NoopAudio) StopRingtone()  {}
