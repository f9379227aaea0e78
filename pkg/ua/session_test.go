package ua

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/media_sdp"
)

func assertSeq[T any](t *testing.T, want, got []T, what string) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s (-want +got):\n%s", what, diff)
	}
}

func TestOutgoingCallAccepted(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("bob", MediaFlags{Audio: true})
	assert.Equal(t, DirectionOutgoing, s.Direction())

	invite := h.expectRequest(sip.INVITE)
	assert.Equal(t, "sip:bob@example.com", invite.Recipient.String())
	assert.Equal(t, stubOffer, string(invite.Body()))
	assert.Equal(t, contentTypeSDP, invite.GetHeader("Content-Type").Value())
	assert.Nil(t, invite.GetHeader("Session-Expires"))

	h.reply(invite, 100, nil, "")
	h.reply(invite, 180, nil, "bobtag")
	h.waitState(s, StateProgress)

	h.reply(invite, 200, []byte(stubAnswer), "bobtag", bobContact())
	ack := h.expectRequest(sip.ACK)
	assert.Equal(t, "sip:bob@192.0.2.20:5060", ack.Recipient.String())
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, "bobtag", tagOf(ack.To().Params))
	h.waitState(s, StateAccepted)

	assertSeq(t, []SessionState{StateConnecting, StateProgress, StateAccepted}, h.rec.states(s.ID()), "состояния")
	assertSeq(t, []string{"ringback-start", "ringback-stop", "answered-start"}, h.rec.tones(s.ID()), "тоны")
	assert.Equal(t, 1, h.neg.appliedCount())

	snap := s.Snapshot()
	assert.Equal(t, "sip:bob@example.com", snap.RemoteURI)
	assert.False(t, snap.AnswerTime.IsZero())
	assert.Equal(t, callIDOf(invite), snap.CallID)

	got, ok := h.ua.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestOutgoingFailsDuringProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("sip:bob@example.com", MediaFlags{Audio: true})
	invite := h.expectRequest(sip.INVITE)
	h.reply(invite, 180, nil, "bobtag")
	h.waitState(s, StateProgress)

	h.reply(invite, 486, nil, "bobtag")
	ack := h.expectRequest(sip.ACK)
	assert.Equal(t, invite.Via().Params, ack.Via().Params, "ACK на non-2xx в той же транзакции")
	h.waitState(s, StateFailed)

	assertSeq(t, []string{"ringback-start", "ringback-stop", "rejected-start"}, h.rec.tones(s.ID()), "тоны")

	ev, ok := h.rec.lastSessionEvent(s.ID())
	require.True(t, ok)
	assert.Equal(t, CauseBusy, ev.Snapshot.Cause)
	assert.Equal(t, 486, ev.Snapshot.StatusCode)
	assert.True(t, IsCategory(ev.Err, SessionSetupError))

	assert.Empty(t, h.ua.Sessions())
	assert.Contains(t, h.neg.releasedIDs(), s.ID())
	_, ok = h.ua.Session(s.ID())
	assert.False(t, ok)
}

func TestOutgoingAcceptedWithoutProvisional(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("bob", MediaFlags{Audio: true})
	invite := h.expectRequest(sip.INVITE)
	h.reply(invite, 200, []byte(stubAnswer), "bobtag", bobContact())
	h.expectRequest(sip.ACK)
	h.waitState(s, StateAccepted)

	assertSeq(t, []SessionState{StateConnecting, StateAccepted}, h.rec.states(s.ID()), "состояния")
	assertSeq(t, []string{"answered-start"}, h.rec.tones(s.ID()), "тоны")
}

func TestOutgoingAnswerWithoutSDP(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("bob", MediaFlags{Audio: true})
	invite := h.expectRequest(sip.INVITE)
	h.reply(invite, 200, nil, "bobtag", bobContact())
	h.expectRequest(sip.ACK)
	h.expectRequest(sip.BYE)
	h.waitState(s, StateFailed)

	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, CauseMissingSDP, ev.Snapshot.Cause)
}

func TestOutgoingInviteAuthRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("bob", MediaFlags{Audio: true})
	first := h.expectRequest(sip.INVITE)
	h.reply(first, 407, nil, "proxytag", sip.NewHeader("Proxy-Authenticate", `Digest realm="example.com", nonce="n2"`))
	h.expectRequest(sip.ACK)

	second := h.expectRequest(sip.INVITE)
	assert.Equal(t, first.CSeq().SeqNo+1, second.CSeq().SeqNo)
	assert.Equal(t, callIDOf(first), callIDOf(second))
	assert.Equal(t, tagOf(first.From().Params), tagOf(second.From().Params))
	assert.Empty(t, tagOf(second.To().Params))
	require.NotNil(t, second.GetHeader("Proxy-Authorization"))

	h.reply(second, 200, []byte(stubAnswer), "bobtag", bobContact())
	h.expectRequest(sip.ACK)
	h.waitState(s, StateAccepted)
}

func TestCallFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	bad := h.ua.Call("   ", MediaFlags{Audio: true})
	h.waitState(bad, StateFailed)
	ev, _ := h.rec.lastSessionEvent(bad.ID())
	assert.Equal(t, CauseAddressIncomplete, ev.Snapshot.Cause)

	h.neg.mu.Lock()
	h.neg.offerErr = media_sdp.NewSDPError(media_sdp.ErrorCodePortsExhausted, "", "нет портов")
	h.neg.mu.Unlock()
	noMedia := h.ua.Call("bob", MediaFlags{Audio: true})
	h.waitState(noMedia, StateFailed)
	ev, _ = h.rec.lastSessionEvent(noMedia.ID())
	assert.Equal(t, CauseInternalError, ev.Snapshot.Cause)
	h.expectSilence()
}

func TestCallWhileIncomingPending(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	h.deliver(incomingInvite("pending-1", []byte(stubOffer)))
	h.expectResponse(100)
	h.expectResponse(180)

	s := h.ua.Call("carol", MediaFlags{Audio: true})
	h.waitState(s, StateFailed)
	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, CauseBusy, ev.Snapshot.Cause)
	assertSeq(t, []SessionState{StateFailed}, h.rec.states(s.ID()), "состояния")
	assert.Empty(t, h.rec.tones(s.ID()))
	h.expectSilence()

	require.Len(t, h.ua.Sessions(), 1)
	assert.Equal(t, DirectionIncoming, h.ua.Sessions()[0].Direction())
}

func TestIncomingCallAnswered(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	h.deliver(incomingInvite("in-1", []byte(stubOffer)))
	trying := h.expectResponse(100)
	assert.Empty(t, tagOf(trying.To().Params))
	ringing := h.expectResponse(180)
	localTag := tagOf(ringing.To().Params)
	assert.NotEmpty(t, localTag)
	assert.NotNil(t, ringing.Contact())

	in := h.rec.incoming()
	require.Len(t, in, 1)
	s := in[0].Session
	assert.Equal(t, StateInitial, in[0].Snapshot.State)
	assert.Equal(t, "sip:bob@example.com", in[0].Snapshot.RemoteURI)
	assert.Equal(t, "Bob", in[0].Snapshot.RemoteName)
	assert.Equal(t, MediaFlags{Audio: true}, in[0].Snapshot.Media)
	assert.Equal(t, StateProgress, s.State())

	require.NoError(t, s.Answer(context.Background()))
	ok := h.expectResponse(200)
	assert.Equal(t, stubAnswer, string(ok.Body()))
	assert.Equal(t, localTag, tagOf(ok.To().Params))

	assertSeq(t, []SessionState{StateConnecting, StateProgress, StateAccepted}, h.rec.states(s.ID()), "состояния")
	assertSeq(t, []string{"ringing-start", "ringing-stop"}, h.rec.tones(s.ID()), "тоны")

	err := s.Answer(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAnswerOutgoingIsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("bob", MediaFlags{Audio: true})
	h.expectRequest(sip.INVITE)
	assert.ErrorIs(t, s.Answer(context.Background()), ErrInvalidState)
}

func TestAnswerIncompatibleMedia(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	h.neg.answerErr = media_sdp.NewSDPError(media_sdp.ErrorCodeIncompatibleCodec, "", "нет общих кодеков")
	h.deliver(incomingInvite("in-488", []byte(stubOffer)))
	h.expectResponse(100)
	h.expectResponse(180)
	s := h.rec.incoming()[0].Session

	err := s.Answer(context.Background())
	require.Error(t, err)
	assert.True(t, IsCategory(err, SessionSetupError))
	h.expectResponse(488)

	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, StateFailed, ev.To)
	assert.Equal(t, CauseIncompatibleSDP, ev.Snapshot.Cause)
}

func TestAnswerLateOffer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	invite := incomingInvite("late-1", nil)
	h.deliver(invite)
	h.expectResponse(100)
	localTag := tagOf(h.expectResponse(180).To().Params)
	s := h.rec.incoming()[0].Session

	require.NoError(t, s.Answer(context.Background()))
	ok := h.expectResponse(200)
	assert.Equal(t, stubOffer, string(ok.Body()), "offer в 200 OK")

	ack := inDialogRequest(sip.ACK, invite, localTag, 1)
	ct := sip.ContentTypeHeader(contentTypeSDP)
	ack.AppendHeader(&ct)
	ack.SetBody([]byte(stubAnswer))
	h.deliver(ack)

	assert.Equal(t, 1, h.neg.appliedCount())
	assert.Equal(t, StateAccepted, s.State())
}

func TestIncomingWhileBusy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	s, _ := h.acceptIncoming("first")
	tonesBefore := h.rec.tones(s.ID())

	h.deliver(incomingInvite("second", []byte(stubOffer)))
	busy := h.expectResponse(486)
	assert.Equal(t, "second", callIDOf(busy))
	assert.NotEmpty(t, tagOf(busy.To().Params))
	h.expectSilence()

	assert.Len(t, h.rec.incoming(), 1)
	assert.Equal(t, tonesBefore, h.rec.tones(s.ID()))
	assert.Equal(t, StateAccepted, s.State())
}

func TestIncomingWhileBusyCustomStatus(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.NoRegister = true
		c.BusyStatusCode = 600
	})
	h.startConnected()

	h.acceptIncoming("first")
	h.deliver(incomingInvite("second", []byte(stubOffer)))
	h.expectResponse(600)
}

func TestTerminateIncomingPending(t *testing.T) {
	tests := []struct {
		name string
		opts []TerminateOption
		code int
	}{
		{name: "по умолчанию 480", code: 480},
		{name: "Decline", opts: []TerminateOption{WithStatus(603, "Decline")}, code: 603},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.NoRegister = true })
			h.startConnected()

			h.deliver(incomingInvite("reject-"+strconv.Itoa(tt.code), []byte(stubOffer)))
			h.expectResponse(100)
			h.expectResponse(180)
			s := h.rec.incoming()[0].Session

			require.NoError(t, s.Terminate(tt.opts...))
			h.expectResponse(tt.code)

			ev, _ := h.rec.lastSessionEvent(s.ID())
			assert.Equal(t, StateFailed, ev.To)
			assert.Equal(t, CauseRejected, ev.Snapshot.Cause)
			assert.Equal(t, tt.code, ev.Snapshot.StatusCode)
			assertSeq(t, []string{"ringing-start", "ringing-stop"}, h.rec.tones(s.ID()), "тоны")
		})
	}
}

func TestTerminateInvalidStatus(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	h.deliver(incomingInvite("bad-status", []byte(stubOffer)))
	h.expectResponse(100)
	h.expectResponse(180)
	s := h.rec.incoming()[0].Session

	assert.ErrorIs(t, s.Terminate(WithStatus(200, "OK")), ErrInvalidStatusCode)
	assert.Equal(t, StateProgress, s.State())
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()
	s, _ := h.acceptOutgoing("bob")

	require.NoError(t, s.Terminate())
	require.NoError(t, s.Terminate())
	bye := h.expectRequest(sip.BYE)
	assert.Equal(t, "bobtag", tagOf(bye.To().Params))
	h.expectSilence()

	states := h.rec.states(s.ID())
	assertSeq(t, []SessionState{StateConnecting, StateProgress, StateAccepted, StateEnded}, states, "состояния")

	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, CauseBye, ev.Snapshot.Cause)
	assert.Greater(t, ev.Snapshot.Duration(), time.Duration(0))
}

func TestTerminateOutgoingInProgressSendsCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("bob", MediaFlags{Audio: true})
	invite := h.expectRequest(sip.INVITE)
	h.reply(invite, 180, nil, "bobtag")
	h.waitState(s, StateProgress)

	require.NoError(t, s.Terminate())
	cancel := h.expectRequest(sip.CANCEL)
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, invite.Via().Params, cancel.Via().Params)

	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, StateFailed, ev.To)
	assert.Equal(t, CauseCanceled, ev.Snapshot.Cause)

	h.reply(invite, 487, nil, "bobtag")
	h.expectRequest(sip.ACK)
}

func TestTerminateBeforeProvisionalDefersCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	s := h.ua.Call("bob", MediaFlags{Audio: true})
	invite := h.expectRequest(sip.INVITE)
	h.waitState(s, StateConnecting)

	require.NoError(t, s.Terminate())
	h.expectSilence()

	h.reply(invite, 180, nil, "bobtag")
	h.expectRequest(sip.CANCEL)

	// поздний 2xx закрывается BYE
	h.reply(invite, 200, []byte(stubAnswer), "bobtag", bobContact())
	h.expectRequest(sip.ACK)
	h.expectRequest(sip.BYE)

	assertSeq(t, []SessionState{StateConnecting, StateFailed}, h.rec.states(s.ID()), "состояния")
}

func TestRemoteCancel(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	invite := incomingInvite("remote-cancel", []byte(stubOffer))
	h.deliver(invite)
	h.expectResponse(100)
	h.expectResponse(180)
	s := h.rec.incoming()[0].Session

	h.deliver(cancelFor(invite))
	cancelOK := h.expectResponse(200)
	assert.Equal(t, sip.CANCEL, cancelOK.CSeq().MethodName)
	terminated := h.expectResponse(487)
	assert.Equal(t, sip.INVITE, terminated.CSeq().MethodName)

	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, StateFailed, ev.To)
	assert.Equal(t, CauseCanceled, ev.Snapshot.Cause)
	assert.Empty(t, h.ua.Sessions())

	assert.ErrorIs(t, s.Answer(context.Background()), ErrInvalidState)
}

func TestRemoteBye(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	invite := incomingInvite("remote-bye", []byte(stubOffer))
	h.deliver(invite)
	h.expectResponse(100)
	localTag := tagOf(h.expectResponse(180).To().Params)
	s := h.rec.incoming()[0].Session
	require.NoError(t, s.Answer(context.Background()))
	h.expectResponse(200)

	h.deliver(inDialogRequest(sip.BYE, invite, localTag, 2))
	h.expectResponse(200)

	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, StateEnded, ev.To)
	assert.Equal(t, CauseBye, ev.Snapshot.Cause)
	assert.Contains(t, h.neg.releasedIDs(), s.ID())

	// после терминального события по сессии ничего не доставляется
	require.NoError(t, s.Terminate())
	assert.Len(t, h.rec.states(s.ID()), 4)
}

func TestReinviteInAcceptedCall(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	invite := incomingInvite("reinvite", []byte(stubOffer))
	h.deliver(invite)
	h.expectResponse(100)
	localTag := tagOf(h.expectResponse(180).To().Params)
	s := h.rec.incoming()[0].Session
	require.NoError(t, s.Answer(context.Background()))
	h.expectResponse(200)

	reinvite := inDialogRequest(sip.INVITE, invite, localTag, 2)
	ct := sip.ContentTypeHeader(contentTypeSDP)
	reinvite.AppendHeader(&ct)
	reinvite.SetBody([]byte(stubOffer))
	h.deliver(reinvite)

	ok := h.expectResponse(200)
	assert.Equal(t, stubAnswer, string(ok.Body()))
	assert.Equal(t, StateAccepted, s.State())
}

func TestSessionTimersAndPreloadedRoute(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SessionTimers = true
		c.UsePreloadedRoute = true
	})
	h.ua.Start(context.Background())
	reg := h.expectRequest(sip.REGISTER)
	require.NotNil(t, reg.GetHeader("Route"))
	h.reply(reg, 200, nil, "regtag")
	h.waitStatus(StatusRegistered)

	h.ua.Call("bob", MediaFlags{Audio: true})
	invite := h.expectRequest(sip.INVITE)
	assert.Equal(t, "90", invite.GetHeader("Session-Expires").Value())
	assert.Contains(t, invite.GetHeader("Supported").Value(), "timer")
	route := invite.GetHeader("Route")
	require.NotNil(t, route)
	assert.Contains(t, route.Value(), "proxy.example.com")
	assert.Contains(t, route.Value(), "lr")
}

type sinkCall struct {
	play bool
	tone Tone
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (f *fakeSink) Play(tone Tone) { f.add(sinkCall{play: true, tone: tone}) }
func (f *fakeSink) Stop(tone Tone) { f.add(sinkCall{play: false, tone: tone}) }

func (f *fakeSink) add(c sinkCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeSink) snapshot() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}

func TestToneRouter(t *testing.T) {
	h := newHarness(t, nil)
	sink := &fakeSink{}
	router := RouteTones(h.ua, sink)
	h.startRegistered()

	h.acceptOutgoing("bob")
	router.Close()
	router.Close()

	want := []sinkCall{
		{play: true, tone: ToneRingback},
		{play: false, tone: ToneRingback},
		{play: true, tone: ToneAnswered},
	}
	assert.Equal(t, want, sink.snapshot())
}

// gatedNegotiator задерживает следующий CreateAnswer до release
type gatedNegotiator struct {
	media_sdp.Negotiator

	mu      sync.Mutex
	entered chan struct{}
	gate    chan struct{}
}

func (n *gatedNegotiator) hold() (entered <-chan struct{}, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entered = make(chan struct{})
	n.gate = make(chan struct{})
	gate := n.gate
	return n.entered, func() { close(gate) }
}

func (n *gatedNegotiator) CreateAnswer(ctx context.Context, sessionID string, offer []byte, c MediaFlags) ([]byte, error) {
	n.mu.Lock()
	entered, gate := n.entered, n.gate
	n.entered, n.gate = nil, nil
	n.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	return n.Negotiator.CreateAnswer(ctx, sessionID, offer, c)
}

func newGatedNegotiator(t *testing.T) (*gatedNegotiator, *media_sdp.SDPNegotiator) {
	t.Helper()
	cfg := media_sdp.DefaultConfig()
	cfg.PortMin = 31000
	cfg.PortMax = 31004
	sdpNeg, err := media_sdp.NewSDPNegotiator(cfg)
	require.NoError(t, err)
	return &gatedNegotiator{Negotiator: sdpNeg}, sdpNeg
}

func waitEntered(t *testing.T, entered <-chan struct{}) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("CreateAnswer не вызван")
	}
}

func TestAnswerRacingRemoteCancelReleasesPorts(t *testing.T) {
	neg, sdpNeg := newGatedNegotiator(t)
	h := newHarness(t, func(c *Config) { c.NoRegister = true }, WithNegotiator(neg))
	h.startConnected()

	invite := incomingInvite("answer-race", []byte(stubOffer))
	h.deliver(invite)
	h.expectResponse(100)
	h.expectResponse(180)
	s := h.rec.incoming()[0].Session

	entered, release := neg.hold()
	answered := make(chan error, 1)
	go func() { answered <- s.Answer(context.Background()) }()
	waitEntered(t, entered)

	h.deliver(cancelFor(invite))
	h.expectResponse(200)
	h.expectResponse(487)
	assert.Equal(t, StateFailed, s.State())

	release()
	select {
	case err := <-answered:
		assert.ErrorIs(t, err, ErrInvalidState)
	case <-time.After(waitTimeout):
		t.Fatal("Answer не вернулся")
	}
	h.expectSilence()
	assert.Zero(t, sdpNeg.PortsInUse())
}

func TestReinviteRacingTerminateReleasesPorts(t *testing.T) {
	neg, sdpNeg := newGatedNegotiator(t)
	h := newHarness(t, func(c *Config) { c.NoRegister = true }, WithNegotiator(neg))
	h.startConnected()

	invite := incomingInvite("reinvite-race", []byte(stubOffer))
	h.deliver(invite)
	h.expectResponse(100)
	localTag := tagOf(h.expectResponse(180).To().Params)
	s := h.rec.incoming()[0].Session
	require.NoError(t, s.Answer(context.Background()))
	h.expectResponse(200)
	require.Equal(t, 1, sdpNeg.PortsInUse())

	entered, release := neg.hold()
	reinvite := inDialogRequest(sip.INVITE, invite, localTag, 2)
	reinvite.AppendHeader(bobContact())
	ct := sip.ContentTypeHeader(contentTypeSDP)
	reinvite.AppendHeader(&ct)
	reinvite.SetBody([]byte(stubOffer))
	h.deliver(reinvite)
	waitEntered(t, entered)

	require.NoError(t, s.Terminate())
	h.expectRequest(sip.BYE)
	release()

	require.Eventually(t, func() bool { return sdpNeg.PortsInUse() == 0 }, waitTimeout, 5*time.Millisecond)
	h.expectSilence()
	assert.Equal(t, StateEnded, s.State())
}

func TestIncomingWhilePendingIsRejected(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	h.deliver(incomingInvite("pending-a", []byte(stubOffer)))
	h.expectResponse(100)
	h.expectResponse(180)
	first := h.rec.incoming()[0].Session

	h.deliver(incomingInvite("pending-b", []byte(stubOffer)))
	busy := h.expectResponse(486)
	assert.Equal(t, "pending-b", callIDOf(busy))
	h.expectSilence()

	assert.Len(t, h.rec.incoming(), 1)
	assertSeq(t, []string{"ringing-start"}, h.rec.tones(first.ID()), "тоны первого вызова")
	assert.Equal(t, StateProgress, first.State())
	require.Len(t, h.ua.Sessions(), 1)
	assert.Equal(t, first.ID(), h.ua.Sessions()[0].ID())
}

func TestRemoteByeOnPendingIncoming(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	invite := incomingInvite("pending-bye", []byte(stubOffer))
	h.deliver(invite)
	h.expectResponse(100)
	localTag := tagOf(h.expectResponse(180).To().Params)
	s := h.rec.incoming()[0].Session

	h.deliver(inDialogRequest(sip.BYE, invite, localTag, 2))
	byeOK := h.expectResponse(200)
	assert.Equal(t, sip.BYE, byeOK.CSeq().MethodName)
	terminated := h.expectResponse(487)
	assert.Equal(t, sip.INVITE, terminated.CSeq().MethodName)

	ev, _ := h.rec.lastSessionEvent(s.ID())
	assert.Equal(t, StateFailed, ev.To)
	assert.Equal(t, CauseBye, ev.Snapshot.Cause)
}
