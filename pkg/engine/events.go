package engine

import "time"

// SessionState состояние SIP-сессии, как его сообщает движок.
// Для одного вызова состояния приходят монотонно, но с возможными
// пропусками (например, Established без предшествующего Establishing).
type SessionState string

const (
	SessionInitial      SessionState = "Initial"
	SessionEstablishing SessionState = "Establishing"
	SessionEstablished  SessionState = "Established"
	SessionTerminating  SessionState = "Terminating"
	SessionTerminated   SessionState = "Terminated"
)

func (s SessionState) String() string { return string(s) }

// RegState состояние SIP-регистрации.
type RegState string

const (
	RegUnregistered RegState = "Unregistered"
	RegRegistering  RegState = "Registering"
	RegRegistered   RegState = "Registered"
	RegFailed       RegState = "Failed"
)

func (s RegState) String() string { return string(s) }

// Topic имя топика шины событий движка.
type Topic string

const (
	TopicSessionState   Topic = "session:stateChange"
	TopicIncomingCall   Topic = "call:incoming"
	TopicCallFailed     Topic = "call:failed"
	TopicMediaFailure   Topic = "call:mediaFailure"
	TopicProgress       Topic = "call:progress"
	TopicRegistration   Topic = "registration:state"
	TopicTransferResult Topic = "transfer:result"
	TopicDisconnected   Topic = "transport:disconnected"
)

// Event любое событие, публикуемое движком в шину.
type Event interface {
	EventTopic() Topic
}

// SessionStateEvent переход состояния SIP-сессии.
type SessionStateEvent struct {
	CallID string
	State  SessionState
}

func (SessionStateEvent) EventTopic() Topic { return TopicSessionState }

// IncomingCallEvent явное уведомление о входящем вызове.
// Приходит раньше (или наперегонки) с generic session-событиями; направление
// вызова фиксируется по первому явному событию и дальше не меняется.
type IncomingCallEvent struct {
	CallID         string
	RemoteIdentity string
	Session        SessionHandle
}

func (IncomingCallEvent) EventTopic() Topic { return TopicIncomingCall }

// ProgressEvent предварительный ответ (180/183) на исходящий INVITE.
type ProgressEvent struct {
	CallID     string
	StatusCode int
}

func (ProgressEvent) EventTopic() Topic { return TopicProgress }

// CallFailedEvent вызов завершился неуспехом с SIP-подобным кодом.
type CallFailedEvent struct {
	CallID       string
	StatusCode   int
	ReasonPhrase string
	Err          error
}

func (CallFailedEvent) EventTopic() Topic { return TopicCallFailed }

// MediaFailureEvent сбой медиа или ICE; трактуется как фатальный для вызова.
type MediaFailureEvent struct {
	CallID string
	Kind   string // "media" | "ice"
}

func (MediaFailureEvent) EventTopic() Topic { return TopicMediaFailure }

// RegistrationEvent изменение состояния регистрации на SIP-сервере.
// ContactURI и ExpiresAt заполняются только при RegRegistered.
type RegistrationEvent struct {
	State      RegState
	ContactURI string
	ExpiresAt  time.Time
	Err        error
}

func (RegistrationEvent) EventTopic() Topic { return TopicRegistration }

// TransferResultEvent подтверждение (или отказ) перевода вызова.
// Не все бэкенды надежно его присылают — см. transfer.Coordinator.
type TransferResultEvent struct {
	CallID       string
	Target       string
	Success      bool
	StatusCode   int
	ReasonPhrase string
}

func (TransferResultEvent) EventTopic() Topic { return TopicTransferResult }

// DisconnectedEvent потеря транспортного соединения. Синтезируется также
// health-check циклом супервизора при неудачной liveness-пробе.
type DisconnectedEvent struct {
	Reason string
}

func (DisconnectedEvent) EventTopic() Topic { return TopicDisconnected }
