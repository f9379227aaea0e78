package ua

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/logger"
)

const (
	// sendTimeout ограничивает запись одного сообщения в транспорт
	sendTimeout = 10 * time.Second

	sessionExpires = 90
	allowMethods   = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"
	contentTypeSDP = "application/sdp"
)

// parseMessage разбирает одно сообщение из WebSocket фрейма
func parseMessage(data []byte) (sip.Message, error) {
	msg, err := sip.NewParser().ParseSIP(data)
	if err != nil {
		return nil, fmt.Errorf("разбор SIP сообщения: %w", err)
	}
	return msg, nil
}

// newTag генерирует tag для From/To
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// normalizeTarget дополняет цель вызова до SIP URI: "bob" -> sip:bob@<домен identity>
func normalizeTarget(target string, identity sip.Uri) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return sip.Uri{}, fmt.Errorf("пустой адрес вызова")
	}
	raw := target
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		raw = "sip:" + raw
	}
	if !strings.Contains(raw, "@") {
		raw += "@" + identity.Host
	}
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("некорректный адрес вызова %q: %w", target, err)
	}
	if u.Host == "" {
		return sip.Uri{}, fmt.Errorf("адрес вызова %q без host", target)
	}
	return u, nil
}

// headerURI извлекает URI из значения вида "Name" <sip:a@b>;param=1
func headerURI(value string) (sip.Uri, bool) {
	value = strings.TrimSpace(value)
	if start := strings.IndexByte(value, '<'); start >= 0 {
		end := strings.IndexByte(value[start:], '>')
		if end < 0 {
			return sip.Uri{}, false
		}
		value = value[start+1 : start+end]
	} else if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	var u sip.Uri
	if err := sip.ParseUri(value, &u); err != nil {
		return sip.Uri{}, false
	}
	return u, true
}

// routeSet собирает route set из Record-Route. UAC использует обратный порядок.
func routeSet(msg sip.Message, reverse bool) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for _, part := range strings.Split(h.Value(), ",") {
			if u, ok := headerURI(part); ok {
				routes = append(routes, u)
			}
		}
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}

// firstHeader первый заголовок name или nil
func firstHeader(msg sip.Message, name string) sip.Header {
	if hs := msg.GetHeaders(name); len(hs) > 0 {
		return hs[0]
	}
	return nil
}

// remoteContact URI из Contact сообщения
func remoteContact(msg sip.Message) (sip.Uri, bool) {
	h := firstHeader(msg, "Contact")
	if h == nil {
		return sip.Uri{}, false
	}
	return headerURI(h.Value())
}

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 600:
		return "Busy Everywhere"
	case 603:
		return "Decline"
	}
	switch {
	case code >= 600:
		return "Global Failure"
	case code >= 500:
		return "Server Error"
	case code >= 400:
		return "Request Failure"
	case code >= 300:
		return "Redirection"
	}
	return "Unknown"
}

// viaLocked Via с новым branch. Host вида <random>.invalid, как у браузерных UA.
func (a *UserAgent) viaLocked() *sip.ViaHeader {
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(a.transportParamLocked()),
		Host:            a.viaHost,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
}

func (a *UserAgent) transportParamLocked() string {
	if ep, ok := a.transport.Endpoint(); ok {
		return ep.GetTransportParam()
	}
	if len(a.cfg.Endpoints) > 0 {
		return a.cfg.Endpoints[0].GetTransportParam()
	}
	return "ws"
}

// contactLocked Contact агента
func (a *UserAgent) contactLocked() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      a.contactUser,
			Host:      a.viaHost,
			UriParams: sip.NewParams().Add("transport", a.transportParamLocked()),
		},
		Params: sip.NewParams(),
	}
}

// appendPreloadedRouteLocked добавляет Route на текущий endpoint для внедиалоговых запросов
func (a *UserAgent) appendPreloadedRouteLocked(req *sip.Request) {
	if !a.cfg.UsePreloadedRoute {
		return
	}
	ep, ok := a.transport.Endpoint()
	if !ok {
		return
	}
	req.AppendHeader(&sip.RouteHeader{Address: sip.Uri{
		Scheme:    "sip",
		Host:      ep.Host,
		Port:      ep.Port,
		UriParams: sip.NewParams().Add("transport", ep.GetTransportParam()).Add("lr", ""),
	}})
}

func (a *UserAgent) appendCommonLocked(req *sip.Request, callID string, cseq uint32, method sip.RequestMethod) {
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
}

func (s *Session) fromHeader() *sip.FromHeader {
	params := sip.NewParams()
	params["tag"] = s.localTag
	return &sip.FromHeader{DisplayName: s.localName, Address: s.localURI, Params: params}
}

func (s *Session) toHeader() *sip.ToHeader {
	params := sip.NewParams()
	if s.remoteTag != "" {
		params["tag"] = s.remoteTag
	}
	return &sip.ToHeader{DisplayName: s.remoteName, Address: s.remoteURI, Params: params}
}

// buildInviteLocked создает начальный INVITE или его повтор с новым CSeq
func (a *UserAgent) buildInviteLocked(s *Session, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, s.remoteTarget)
	req.AppendHeader(a.viaLocked())
	req.AppendHeader(s.fromHeader())
	req.AppendHeader(s.toHeader())
	s.localCSeq++
	a.appendCommonLocked(req, s.callID, s.localCSeq, sip.INVITE)
	req.AppendHeader(a.contactLocked())
	a.appendPreloadedRouteLocked(req)
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	if a.cfg.SessionTimers {
		req.AppendHeader(sip.NewHeader("Supported", "timer, outbound"))
		req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d", sessionExpires)))
	} else {
		req.AppendHeader(sip.NewHeader("Supported", "outbound"))
	}
	req.AppendHeader(sip.NewHeader("User-Agent", a.cfg.UserAgent))
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		req.AppendHeader(&ct)
	}
	req.SetBody(body)
	return req
}

// buildInDialogLocked запрос внутри диалога (ACK на 2xx, BYE)
func (a *UserAgent) buildInDialogLocked(s *Session, method sip.RequestMethod, cseq uint32) *sip.Request {
	req := sip.NewRequest(method, s.remoteTarget)
	req.AppendHeader(a.viaLocked())
	req.AppendHeader(s.fromHeader())
	req.AppendHeader(s.toHeader())
	a.appendCommonLocked(req, s.callID, cseq, method)
	for _, route := range s.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	req.AppendHeader(sip.NewHeader("User-Agent", a.cfg.UserAgent))
	return req
}

// buildCancel CANCEL повторяет Request-URI, Via, From, To и номер CSeq INVITE
func buildCancel(invite *sip.Request) *sip.Request {
	return buildInviteTransactionRequest(sip.CANCEL, invite, invite.To())
}

// buildNon2xxAck ACK на отрицательный ответ использует branch INVITE и To из ответа
func buildNon2xxAck(invite *sip.Request, resp *sip.Response) *sip.Request {
	return buildInviteTransactionRequest(sip.ACK, invite, resp.To())
}

func buildInviteTransactionRequest(method sip.RequestMethod, invite *sip.Request, to *sip.ToHeader) *sip.Request {
	req := sip.NewRequest(method, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	req.AppendHeader(invite.From())
	if to != nil {
		req.AppendHeader(to)
	}
	req.AppendHeader(invite.CallID())
	req.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	sip.CopyHeaders("Route", invite, req)
	return req
}

// respondLocked отправляет ответ на входящий запрос.
// toTag добавляется во все ответы кроме 100 Trying.
func (a *UserAgent) respondLocked(req *sip.Request, code int, reason string, body []byte, toTag string, withContact bool) error {
	if req == nil {
		return nil
	}
	if reason == "" {
		reason = reasonPhrase(code)
	}
	resp := sip.NewResponseFromRequest(req, code, reason, body)
	if to := resp.To(); to != nil && toTag != "" && code > 100 {
		if to.Params == nil {
			to.Params = make(sip.HeaderParams)
		}
		to.Params["tag"] = toTag
	}
	if withContact {
		resp.AppendHeader(a.contactLocked())
	}
	if code == 405 || (code >= 200 && code < 300 && (req.Method == sip.INVITE || req.Method == sip.OPTIONS)) {
		resp.AppendHeader(sip.NewHeader("Allow", allowMethods))
	}
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		resp.AppendHeader(&ct)
	}
	return a.sendLocked(resp)
}

// sendLocked сериализует и пишет сообщение в транспорт
func (a *UserAgent) sendLocked(msg sip.Message) error {
	ctx, cancel := context.WithTimeout(a.ctx, sendTimeout)
	defer cancel()

	if err := a.transport.Send(ctx, []byte(msg.String())); err != nil {
		a.log.Warn(ctx, "не удалось отправить сообщение", logger.String("message", describe(msg)), logger.Err(err))
		return newTransportError(CauseConnectionError, err)
	}
	a.metrics.messageSent(msg)
	return nil
}

// describe краткое описание сообщения для логов
func describe(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return m.Method.String() + " " + m.Recipient.String()
	case *sip.Response:
		return fmt.Sprintf("%d %s", int(m.StatusCode), m.Reason)
	}
	return "unknown"
}

func (a *UserAgent) sendByeLocked(s *Session) {
	s.localCSeq++
	bye := a.buildInDialogLocked(s, sip.BYE, s.localCSeq)
	_ = a.sendLocked(bye)
}

func (a *UserAgent) sendCancelLocked(s *Session) {
	if s.invite == nil {
		return
	}
	_ = a.sendLocked(buildCancel(s.invite))
	s.cancelPending = false
}

// trackCanceledLocked сохраняет отмененный INVITE до финального ответа,
// чтобы подтвердить его ACK и закрыть поздний 2xx через BYE.
func (a *UserAgent) trackCanceledLocked(s *Session) {
	a.canceled[s.callID] = s
}
