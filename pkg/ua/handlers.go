package ua

import (
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/media_sdp"
)

func callIDOf(msg sip.Message) string {
	h := firstHeader(msg, "Call-ID")
	if h == nil {
		return ""
	}
	return h.Value()
}

// handleResponseLocked сопоставляет ответ с REGISTER, активной или отмененной сессией
func (a *UserAgent) handleResponseLocked(resp *sip.Response) func() {
	cseq := resp.CSeq()
	callID := callIDOf(resp)
	if cseq == nil || callID == "" {
		a.log.Warn(a.ctx, "ответ без CSeq или Call-ID отброшен")
		return nil
	}

	if cseq.MethodName == sip.REGISTER {
		if callID == a.reg.callID {
			a.handleRegisterResponseLocked(resp)
		}
		return nil
	}

	if s := a.byCallID[callID]; s != nil {
		if cseq.MethodName == sip.INVITE {
			return a.handleInviteResponseLocked(s, resp)
		}
		s.log.Debug(a.ctx, "ответ на запрос в диалоге",
			logger.String("method", cseq.MethodName.String()), logger.Int("status_code", int(resp.StatusCode)))
		return nil
	}

	if s := a.canceled[callID]; s != nil && cseq.MethodName == sip.INVITE {
		a.handleCanceledResponseLocked(s, resp)
	}
	return nil
}

func (a *UserAgent) handleInviteResponseLocked(s *Session, resp *sip.Response) func() {
	if s.direction != DirectionOutgoing || s.invite == nil || resp.CSeq().SeqNo != s.invite.CSeq().SeqNo {
		return nil
	}
	code := int(resp.StatusCode)

	switch {
	case code == 100:
		return nil

	case code < 200:
		s.provisional = true
		if to := resp.To(); to != nil && s.remoteTag == "" {
			s.remoteTag = tagOf(to.Params)
		}
		if s.state() == StateConnecting {
			s.fire(evProgress, "", 0, nil)
		}
		return nil

	case code < 300:
		ackCSeq := s.invite.CSeq().SeqNo
		if s.confirmed {
			// повтор 2xx
			_ = a.sendLocked(a.buildInDialogLocked(s, sip.ACK, ackCSeq))
			return nil
		}
		if to := resp.To(); to != nil {
			s.remoteTag = tagOf(to.Params)
		}
		if target, ok := remoteContact(resp); ok {
			s.remoteTarget = target
		}
		s.routeSet = routeSet(resp, true)
		if err := a.sendLocked(a.buildInDialogLocked(s, sip.ACK, ackCSeq)); err != nil {
			s.fire(evFail, CauseConnectionError, code, err)
			return nil
		}
		s.confirmed = true
		body := resp.Body()
		return func() { a.applyRemoteAnswer(s, body) }

	default:
		_ = a.sendLocked(buildNon2xxAck(s.invite, resp))
		if (code == 401 || code == 407) && !s.authRetried {
			s.authRetried = true
			a.retryInviteWithAuthLocked(s, resp)
			return nil
		}
		s.fire(evFail, CauseFromStatus(code), code, nil)
		return nil
	}
}

func (a *UserAgent) retryInviteWithAuthLocked(s *Session, resp *sip.Response) {
	code := int(resp.StatusCode)
	auth, err := a.authorization(s.invite, resp)
	if err != nil {
		s.fire(evFail, CauseAuthenticationError, code, err)
		return
	}
	req := a.buildInviteLocked(s, s.invite.Body())
	req.AppendHeader(auth)
	s.invite = req
	s.remoteTag = ""
	s.provisional = false
	if err := a.sendLocked(req); err != nil {
		s.fire(evFail, CauseConnectionError, 0, err)
	}
}

// applyRemoteAnswer применяет SDP из 2xx; выполняется без блокировки агента
func (a *UserAgent) applyRemoteAnswer(s *Session, body []byte) {
	var err error
	if len(body) == 0 {
		err = media_sdp.NewSDPError(media_sdp.ErrorCodeMissingSDP, s.id, "2xx без SDP")
	} else {
		err = a.negotiator.ApplyAnswer(a.ctx, s.id, body)
	}

	a.lock()
	defer a.unlock()

	if s.state().IsTerminal() {
		return
	}
	if err != nil {
		_, _, cause := mediaFailure(err)
		s.log.LogError(a.ctx, err, "answer не применен, вызов закрывается")
		a.sendByeLocked(s)
		s.fire(evFail, cause, 0, err)
		return
	}
	s.fire(evAccept, "", 0, nil)
}

// handleCanceledResponseLocked завершает транзакцию отмененного INVITE
func (a *UserAgent) handleCanceledResponseLocked(s *Session, resp *sip.Response) {
	if s.invite == nil || resp.CSeq().SeqNo != s.invite.CSeq().SeqNo {
		return
	}
	code := int(resp.StatusCode)
	switch {
	case code < 200:
		s.provisional = true
		if s.cancelPending {
			a.sendCancelLocked(s)
		}
	case code < 300:
		// CANCEL опоздал: диалог установлен, закрываем его
		if to := resp.To(); to != nil {
			s.remoteTag = tagOf(to.Params)
		}
		if target, ok := remoteContact(resp); ok {
			s.remoteTarget = target
		}
		s.routeSet = routeSet(resp, true)
		_ = a.sendLocked(a.buildInDialogLocked(s, sip.ACK, s.invite.CSeq().SeqNo))
		a.sendByeLocked(s)
		delete(a.canceled, s.callID)
	default:
		_ = a.sendLocked(buildNon2xxAck(s.invite, resp))
		delete(a.canceled, s.callID)
	}
}

func (a *UserAgent) handleRequestLocked(req *sip.Request) func() {
	if req.CSeq() == nil || callIDOf(req) == "" || req.From() == nil || req.To() == nil {
		a.log.Warn(a.ctx, "запрос без обязательных заголовков", logger.String("method", req.Method.String()))
		if req.Method != sip.ACK {
			_ = a.respondLocked(req, 400, "Bad Request", nil, "", false)
		}
		return nil
	}

	switch req.Method {
	case sip.INVITE:
		return a.handleInviteLocked(req)
	case sip.ACK:
		return a.handleAckLocked(req)
	case sip.CANCEL:
		a.handleCancelLocked(req)
	case sip.BYE:
		a.handleByeLocked(req)
	case sip.OPTIONS:
		_ = a.respondLocked(req, 200, "OK", nil, newTag(), false)
	case sip.INFO:
		if a.byCallID[callIDOf(req)] == nil {
			_ = a.respondLocked(req, 481, "", nil, "", false)
			return nil
		}
		_ = a.respondLocked(req, 200, "OK", nil, "", false)
	default:
		_ = a.respondLocked(req, 405, "", nil, newTag(), false)
	}
	return nil
}

// handleInviteLocked допускает новый входящий вызов в слот или отклоняет его
func (a *UserAgent) handleInviteLocked(req *sip.Request) func() {
	callID := callIDOf(req)
	toTag := tagOf(req.To().Params)

	if s := a.byCallID[callID]; s != nil {
		if toTag == "" {
			// повтор начального INVITE
			return nil
		}
		return a.handleReinviteLocked(s, req)
	}
	if toTag != "" {
		_ = a.respondLocked(req, 481, "", nil, "", false)
		return nil
	}

	if a.active != nil {
		a.metrics.busyRejected()
		a.log.Debug(a.ctx, "слот занят, входящий вызов отклонен",
			logger.String("call_id", callID), logger.Int("status_code", a.cfg.BusyStatusCode))
		_ = a.respondLocked(req, a.cfg.BusyStatusCode, "", nil, newTag(), false)
		return nil
	}

	s := newSession(a, uuid.NewString(), DirectionIncoming, media_sdp.OfferedMedia(req.Body()))
	s.callID = callID
	s.invite = req
	s.localTag = newTag()
	s.localURI = req.To().Address
	s.localName = a.cfg.DisplayName
	s.remoteURI = req.From().Address
	s.remoteName = req.From().DisplayName
	s.remoteTag = tagOf(req.From().Params)
	s.remoteTarget = s.remoteURI
	if target, ok := remoteContact(req); ok {
		s.remoteTarget = target
	}
	s.routeSet = routeSet(req, false)
	s.remoteOffer = req.Body()
	s.log = s.log.WithFields(logger.String("call_id", callID))

	a.active = s
	a.byCallID[callID] = s
	a.emitLocked(IncomingSessionEvent{Session: s, Snapshot: s.snapshotLocked()})

	if err := a.respondLocked(req, 100, "Trying", nil, "", false); err != nil {
		s.fire(evFail, CauseConnectionError, 0, err)
		return nil
	}
	s.fire(evConnect, "", 0, nil)

	if err := a.respondLocked(req, 180, "Ringing", nil, s.localTag, true); err != nil {
		s.fire(evFail, CauseConnectionError, 0, err)
		return nil
	}
	s.fire(evProgress, "", 0, nil)
	return nil
}

// handleReinviteLocked отвечает на re-INVITE в установленном вызове
func (a *UserAgent) handleReinviteLocked(s *Session, req *sip.Request) func() {
	if s.state() != StateAccepted || s.answering {
		_ = a.respondLocked(req, 491, "Request Pending", nil, "", false)
		return nil
	}
	s.answering = true
	offer := req.Body()
	media := s.media
	if target, ok := remoteContact(req); ok {
		s.remoteTarget = target
	}

	return func() {
		var body []byte
		var err error
		if len(offer) == 0 {
			body, err = a.negotiator.CreateOffer(a.ctx, s.id, media)
		} else {
			body, err = a.negotiator.CreateAnswer(a.ctx, s.id, offer, media)
		}

		a.lock()
		defer a.unlock()
		s.answering = false
		if s.state() != StateAccepted {
			a.releaseMediaLocked(s.id)
			return
		}
		if err != nil {
			code, reason, _ := mediaFailure(err)
			s.log.LogError(a.ctx, err, "re-INVITE отклонен")
			_ = a.respondLocked(req, code, reason, nil, "", false)
			return
		}
		s.lateOffer = len(offer) == 0
		_ = a.respondLocked(req, 200, "OK", body, "", true)
	}
}

// handleAckLocked применяет answer из ACK при позднем offer
func (a *UserAgent) handleAckLocked(req *sip.Request) func() {
	s := a.byCallID[callIDOf(req)]
	if s == nil || !s.lateOffer {
		return nil
	}
	s.lateOffer = false
	body := req.Body()

	return func() {
		var err error
		if len(body) == 0 {
			err = media_sdp.NewSDPError(media_sdp.ErrorCodeMissingSDP, s.id, "ACK без SDP answer")
		} else {
			err = a.negotiator.ApplyAnswer(a.ctx, s.id, body)
		}
		if err == nil {
			return
		}

		a.lock()
		defer a.unlock()
		if s.state() != StateAccepted {
			return
		}
		_, _, cause := mediaFailure(err)
		s.log.LogError(a.ctx, err, "answer из ACK не применен, вызов закрывается")
		a.sendByeLocked(s)
		s.fire(evEnd, cause, 0, err)
	}
}

// handleCancelLocked удаленная отмена входящего вызова
func (a *UserAgent) handleCancelLocked(req *sip.Request) {
	s := a.byCallID[callIDOf(req)]
	if s == nil || s.direction != DirectionIncoming {
		_ = a.respondLocked(req, 481, "", nil, "", false)
		return
	}
	_ = a.respondLocked(req, 200, "OK", nil, s.localTag, false)
	if s.confirmed || s.state().IsTerminal() {
		// финальный ответ уже отправлен
		return
	}
	_ = a.respondLocked(s.invite, 487, "Request Terminated", nil, s.localTag, false)
	s.fire(evFail, CauseCanceled, 0, nil)
}

// handleByeLocked удаленное завершение вызова
func (a *UserAgent) handleByeLocked(req *sip.Request) {
	s := a.byCallID[callIDOf(req)]
	if s == nil {
		_ = a.respondLocked(req, 481, "", nil, "", false)
		return
	}
	_ = a.respondLocked(req, 200, "OK", nil, "", false)
	if s.state() == StateAccepted {
		s.fire(evEnd, CauseBye, 0, nil)
		return
	}
	if s.direction == DirectionIncoming && !s.confirmed {
		_ = a.respondLocked(s.invite, 487, "Request Terminated", nil, s.localTag, false)
	}
	// BYE до применения answer
	s.fire(evFail, CauseBye, 0, nil)
}
