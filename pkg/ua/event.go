package ua

import (
	"github.com/arzzra/webphone/pkg/events"
)

// Event событие агента, сессии или тона. Подписчики различают их type switch.
type Event interface {
	events.Event
	isEvent()
}

// AgentEventKind тип события агента
type AgentEventKind string

const (
	AgentConnecting         AgentEventKind = "connecting"
	AgentConnected          AgentEventKind = "connected"
	AgentDisconnected       AgentEventKind = "disconnected"
	AgentRegistered         AgentEventKind = "registered"
	AgentUnregistered       AgentEventKind = "unregistered"
	AgentRegistrationFailed AgentEventKind = "registrationFailed"
)

// AgentEvent изменение состояния транспорта или регистрации
type AgentEvent struct {
	Kind AgentEventKind
	// Status статус агента после события
	Status AgentStatus
	// Err причина для disconnected и registrationFailed
	Err error
}

func (AgentEvent) SessionKey() string { return "" }
func (AgentEvent) Terminal() bool     { return false }
func (AgentEvent) isEvent()           {}

// IncomingSessionEvent новый входящий вызов, принятый в слот агента
type IncomingSessionEvent struct {
	Session  *Session
	Snapshot SessionSnapshot
}

func (e IncomingSessionEvent) SessionKey() string { return e.Snapshot.ID }
func (IncomingSessionEvent) Terminal() bool       { return false }
func (IncomingSessionEvent) isEvent()             {}

// SessionEvent переход сессии в новое состояние
type SessionEvent struct {
	Snapshot SessionSnapshot
	From     SessionState
	To       SessionState
	// Err для Failed: *Error с причиной
	Err error
}

func (e SessionEvent) SessionKey() string { return e.Snapshot.ID }
func (e SessionEvent) Terminal() bool     { return e.To.IsTerminal() }
func (SessionEvent) isEvent()             {}

// Tone звуковой сигнал для внешнего audio sink
type Tone string

const (
	ToneRingback Tone = "ringback"
	ToneRinging  Tone = "ringing"
	ToneAnswered Tone = "answered"
	ToneRejected Tone = "rejected"
)

// ToneAction старт или остановка тона
type ToneAction string

const (
	ToneStart ToneAction = "start"
	ToneStop  ToneAction = "stop"
)

// ToneEvent команда audio sink
type ToneEvent struct {
	SessionID string
	Tone      Tone
	Action    ToneAction
}

func (e ToneEvent) SessionKey() string { return e.SessionID }
func (ToneEvent) Terminal() bool       { return false }
func (ToneEvent) isEvent()             {}

// String например "ringback-start"
func (e ToneEvent) String() string {
	return string(e.Tone) + "-" + string(e.Action)
}
