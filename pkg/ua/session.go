package ua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/media_sdp"
)

// Direction направление вызова
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MediaFlags запрошенные медиа потоки
type MediaFlags = media_sdp.Constraints

// ErrInvalidStatusCode код для отказа должен быть 300-699
var ErrInvalidStatusCode = errors.New("ua: invalid status code")

// SessionSnapshot копия состояния сессии для наблюдателей
type SessionSnapshot struct {
	ID         string
	CallID     string
	Direction  Direction
	RemoteURI  string
	RemoteName string
	State      SessionState
	Media      MediaFlags
	Cause      Cause
	StatusCode int
	StartTime  time.Time
	AnswerTime time.Time
	EndTime    time.Time
}

// Duration длительность разговора; ноль, если вызов не был принят
func (s SessionSnapshot) Duration() time.Duration {
	if s.AnswerTime.IsZero() {
		return 0
	}
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.AnswerTime)
}

// Session один вызов. Все поля защищены мьютексом агента.
type Session struct {
	ua  *UserAgent
	log logger.StructuredLogger
	fsm *fsm.FSM

	id         string
	direction  Direction
	remoteURI  sip.Uri
	remoteName string
	media      MediaFlags

	cause      Cause
	statusCode int
	err        error

	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time

	// состояние диалога
	callID       string
	localURI     sip.Uri
	localName    string
	localTag     string
	remoteTag    string
	localCSeq    uint32
	remoteTarget sip.Uri
	routeSet     []sip.Uri

	// invite последний исходящий INVITE или входящий INVITE
	invite *sip.Request

	authRetried   bool
	provisional   bool
	cancelPending bool
	// confirmed ACK на 2xx отправлен (исходящий) или 200 OK отправлен (входящий)
	confirmed bool
	answering bool
	// remoteOffer SDP из входящего INVITE
	remoteOffer []byte
	// lateOffer offer отправлен в 200 OK, answer ожидается в ACK
	lateOffer bool
}

func newSession(a *UserAgent, id string, dir Direction, media MediaFlags) *Session {
	s := &Session{
		ua:        a,
		id:        id,
		direction: dir,
		media:     media,
		createdAt: time.Now(),
	}
	s.log = a.log.WithComponent("session").WithFields(
		logger.String("session_id", id), logger.String("direction", string(dir)))
	s.initStateMachine()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Direction() Direction {
	return s.direction
}

// State текущее состояние
func (s *Session) State() SessionState {
	s.ua.mu.Lock()
	defer s.ua.mu.Unlock()
	return s.state()
}

// Snapshot копия состояния сессии
func (s *Session) Snapshot() SessionSnapshot {
	s.ua.mu.Lock()
	defer s.ua.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		ID:         s.id,
		CallID:     s.callID,
		Direction:  s.direction,
		RemoteName: s.remoteName,
		State:      s.state(),
		Media:      s.media,
		Cause:      s.cause,
		StatusCode: s.statusCode,
		StartTime:  s.createdAt,
		AnswerTime: s.answeredAt,
		EndTime:    s.endedAt,
	}
	if s.remoteURI.Host != "" {
		snap.RemoteURI = s.remoteURI.String()
	}
	return snap
}

// AnswerOption настраивает Answer
type AnswerOption func(*answerOptions)

type answerOptions struct {
	media *MediaFlags
}

// WithMedia задает медиа потоки ответа; по умолчанию потоки из offer
func WithMedia(m MediaFlags) AnswerOption {
	return func(o *answerOptions) { o.media = &m }
}

// Answer принимает входящий вызов. Допустим только для входящей сессии
// в состоянии Connecting или Progress.
func (s *Session) Answer(ctx context.Context, opts ...AnswerOption) error {
	var o answerOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := s.ua
	a.lock()
	st := s.state()
	if s.direction != DirectionIncoming || (st != StateConnecting && st != StateProgress) || s.answering {
		a.unlock()
		return fmt.Errorf("%w: answer для %s сессии в состоянии %s", ErrInvalidState, s.direction, st)
	}
	s.answering = true
	if o.media != nil {
		s.media = *o.media
	}
	offer := s.remoteOffer
	media := s.media
	a.unlock()

	// согласование вне блокировки агента
	var body []byte
	var err error
	if len(offer) == 0 {
		body, err = a.negotiator.CreateOffer(ctx, s.id, media)
	} else {
		body, err = a.negotiator.CreateAnswer(ctx, s.id, offer, media)
	}

	a.lock()
	defer a.unlock()
	s.answering = false

	if st := s.state(); st.IsTerminal() {
		// порты выделены уже после освобождения при переходе в терминальное состояние
		a.releaseMediaLocked(s.id)
		return fmt.Errorf("%w: сессия завершена во время answer (%s)", ErrInvalidState, s.cause)
	}
	if err != nil {
		code, reason, cause := mediaFailure(err)
		s.log.LogError(ctx, err, "не удалось согласовать медиа", logger.Int("status_code", code))
		a.respondLocked(s.invite, code, reason, nil, s.localTag, false)
		s.fire(evFail, cause, code, err)
		return newSessionError(s, cause, code, err)
	}

	s.lateOffer = len(offer) == 0
	if err := a.respondLocked(s.invite, 200, "OK", body, s.localTag, true); err != nil {
		s.fire(evFail, CauseConnectionError, 0, err)
		return newSessionError(s, CauseConnectionError, 0, err)
	}
	s.confirmed = true
	s.fire(evAccept, "", 0, nil)
	return nil
}

// TerminateOption настраивает Terminate
type TerminateOption func(*terminateOptions)

type terminateOptions struct {
	status int
	reason string
}

// WithStatus задает код отказа для входящего вызова
func WithStatus(code int, reason string) TerminateOption {
	return func(o *terminateOptions) {
		o.status = code
		o.reason = reason
	}
}

// Terminate завершает сессию в любом нетерминальном состоянии.
// Accepted завершается BYE, исходящий вызов отменяется CANCEL,
// входящий отклоняется финальным ответом (по умолчанию 480).
// Повторный вызов ничего не делает.
func (s *Session) Terminate(opts ...TerminateOption) error {
	var o terminateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.status != 0 && (o.status < 300 || o.status > 699) {
		return fmt.Errorf("%w: %d", ErrInvalidStatusCode, o.status)
	}

	s.ua.lock()
	defer s.ua.unlock()
	s.terminateLocked(o)
	return nil
}

func (s *Session) terminateLocked(o terminateOptions) {
	a := s.ua
	st := s.state()
	if st.IsTerminal() {
		return
	}

	switch {
	case st == StateAccepted:
		a.sendByeLocked(s)
		s.fire(evEnd, CauseBye, 0, nil)

	case s.direction == DirectionOutgoing:
		switch {
		case s.confirmed:
			// 2xx уже подтвержден, ответ еще применяется
			a.sendByeLocked(s)
		case s.invite != nil && s.provisional:
			a.sendCancelLocked(s)
			a.trackCanceledLocked(s)
		case s.invite != nil:
			// CANCEL только после предварительного ответа (RFC 3261, 9.1)
			s.cancelPending = true
			a.trackCanceledLocked(s)
		}
		s.fire(evFail, CauseCanceled, 0, nil)

	default:
		code, reason := o.status, o.reason
		if code == 0 {
			code = 480
		}
		if reason == "" {
			reason = reasonPhrase(code)
		}
		a.respondLocked(s.invite, code, reason, nil, s.localTag, false)
		s.fire(evFail, CauseRejected, code, nil)
	}
}

// mediaFailure выбирает ответ и причину для ошибки negotiator
func mediaFailure(err error) (int, string, Cause) {
	code, ok := media_sdp.CodeOf(err)
	if !ok {
		return 500, "Server Internal Error", CauseInternalError
	}
	switch code {
	case media_sdp.ErrorCodeIncompatibleCodec:
		return 488, "Not Acceptable Here", CauseIncompatibleSDP
	case media_sdp.ErrorCodeSDPParsing:
		return 488, "Not Acceptable Here", CauseBadMediaDescription
	case media_sdp.ErrorCodeMissingSDP:
		return 488, "Not Acceptable Here", CauseMissingSDP
	}
	return 500, "Server Internal Error", CauseInternalError
}
