package ua

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/logger"
)

// SessionState состояние сессии
type SessionState string

const (
	StateInitial    SessionState = "initial"
	StateConnecting SessionState = "connecting"
	StateProgress   SessionState = "progress"
	StateAccepted   SessionState = "accepted"
	StateFailed     SessionState = "failed"
	StateEnded      SessionState = "ended"
)

func (s SessionState) String() string {
	return string(s)
}

// IsTerminal Failed и Ended - терминальные состояния
func (s SessionState) IsTerminal() bool {
	return s == StateFailed || s == StateEnded
}

// события FSM сессии
const (
	evConnect  = "connect"
	evProgress = "progress"
	evAccept   = "accept"
	evFail     = "fail"
	evEnd      = "end"
)

// initStateMachine инициализирует конечный автомат сессии
func (s *Session) initStateMachine() {
	s.fsm = fsm.NewFSM(
		string(StateInitial),
		fsm.Events{
			// INVITE отправлен или получен
			{Name: evConnect, Src: []string{string(StateInitial)}, Dst: string(StateConnecting)},
			// 18x для исходящего, 180 Ringing для входящего
			{Name: evProgress, Src: []string{string(StateConnecting)}, Dst: string(StateProgress)},
			// 2xx, в том числе без предварительного ответа
			{Name: evAccept, Src: []string{string(StateConnecting), string(StateProgress)}, Dst: string(StateAccepted)},
			{Name: evFail, Src: []string{string(StateInitial), string(StateConnecting), string(StateProgress)}, Dst: string(StateFailed)},
			{Name: evEnd, Src: []string{string(StateAccepted)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.handleStateChange(SessionState(e.Src), SessionState(e.Dst))
			},
		},
	)
}

// fire выполняет переход; вызывается под блокировкой агента.
// Возвращает false, если переход недопустим из текущего состояния.
func (s *Session) fire(event string, cause Cause, status int, err error) bool {
	if !s.fsm.Can(event) {
		return false
	}
	if event == evFail || event == evEnd {
		s.cause = cause
		s.statusCode = status
		s.err = err
	}
	if fireErr := s.fsm.Event(context.Background(), event); fireErr != nil {
		s.log.Warn(context.Background(), "переход отклонен FSM",
			logger.String("event", event), logger.String("state", s.fsm.Current()))
		return false
	}
	return true
}

// state текущее состояние; вызывается под блокировкой агента
func (s *Session) state() SessionState {
	return SessionState(s.fsm.Current())
}

// handleStateChange формирует тоны и событие перехода.
// Порядок: остановка тонов уходящего состояния, старт тонов нового, событие состояния.
func (s *Session) handleStateChange(from, to SessionState) {
	now := time.Now()
	switch to {
	case StateAccepted:
		s.answeredAt = now
	case StateFailed, StateEnded:
		s.endedAt = now
	}

	outgoing := s.direction == DirectionOutgoing

	if from == StateProgress {
		if outgoing {
			s.ua.emitLocked(ToneEvent{SessionID: s.id, Tone: ToneRingback, Action: ToneStop})
		} else {
			s.ua.emitLocked(ToneEvent{SessionID: s.id, Tone: ToneRinging, Action: ToneStop})
		}
	}

	switch {
	case to == StateProgress && outgoing:
		s.ua.emitLocked(ToneEvent{SessionID: s.id, Tone: ToneRingback, Action: ToneStart})
	case to == StateProgress:
		s.ua.emitLocked(ToneEvent{SessionID: s.id, Tone: ToneRinging, Action: ToneStart})
	case to == StateAccepted && outgoing:
		s.ua.emitLocked(ToneEvent{SessionID: s.id, Tone: ToneAnswered, Action: ToneStart})
	case to == StateFailed && outgoing && (from == StateConnecting || from == StateProgress):
		s.ua.emitLocked(ToneEvent{SessionID: s.id, Tone: ToneRejected, Action: ToneStart})
	}

	snap := s.snapshotLocked()
	snap.State = to
	ev := SessionEvent{Snapshot: snap, From: from, To: to}
	if to == StateFailed {
		ev.Err = newSessionError(s, s.cause, s.statusCode, s.err)
	}
	s.ua.emitLocked(ev)

	s.log.Debug(context.Background(), "переход сессии",
		logger.String("from", string(from)), logger.String("to", string(to)), logger.String("cause", string(s.cause)))

	if to.IsTerminal() {
		s.ua.releaseSessionLocked(s)
	}
}
