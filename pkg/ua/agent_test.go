package ua

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"
	"github.com/icholy/digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/transport"
	"github.com/arzzra/webphone/pkg/transport/transportmock"
)

func TestNewUserAgentValidation(t *testing.T) {
	_, err := NewUserAgent(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewUserAgent(Config{URI: "sip:example.com"})
	require.ErrorIs(t, err, ErrInvalidConfig, "URI без user")

	_, err = NewUserAgent(Config{URI: "sip:alice@example.com"})
	require.ErrorIs(t, err, ErrInvalidConfig, "без endpoints и транспорта")
}

func TestConfigIsCopied(t *testing.T) {
	ep, err := transport.ParseEndpoint(testEndpoint)
	require.NoError(t, err)
	cfg := Config{URI: "sip:alice@example.com", Endpoints: []transport.Endpoint{ep}}

	a, err := NewUserAgent(cfg, WithLogger(logger.Noop()))
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	cfg.Endpoints[0].Host = "changed.example.com"
	assert.Equal(t, "proxy.example.com", a.cfg.Endpoints[0].Host)
	assert.Equal(t, DefaultRegisterExpires, a.cfg.RegisterExpires)
}

func TestStartRegisterStatuses(t *testing.T) {
	h := newHarness(t, nil)
	h.ua.Start(context.Background())

	reg := h.expectRequest(sip.REGISTER)
	assert.Equal(t, "sip:example.com", reg.Recipient.String())
	assert.Equal(t, "600", reg.GetHeader("Expires").Value())
	assert.NotEmpty(t, tagOf(reg.From().Params))
	require.NotNil(t, reg.Contact())
	assert.Contains(t, reg.Contact().Value(), "transport=ws")

	h.reply(reg, 200, nil, "regtag")
	h.waitStatus(StatusRegistered)

	want := []AgentStatus{StatusConnecting, StatusConnected, StatusRegistered}
	if diff := cmp.Diff(want, h.rec.statuses()); diff != "" {
		t.Errorf("статусы (-want +got):\n%s", diff)
	}
	assert.True(t, h.ua.IsConnected())
	assert.True(t, h.ua.IsRegistered())
}

func TestNoRegisterStopsAtConnected(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()
	h.expectSilence()
	assert.False(t, h.ua.IsRegistered())
}

func TestRegisterDigestChallenge(t *testing.T) {
	h := newHarness(t, nil)
	h.ua.Start(context.Background())

	first := h.expectRequest(sip.REGISTER)
	h.reply(first, 401, nil, "", sip.NewHeader("WWW-Authenticate",
		`Digest realm="example.com", nonce="abc123", algorithm=MD5`))

	second := h.expectRequest(sip.REGISTER)
	assert.Equal(t, first.CSeq().SeqNo+1, second.CSeq().SeqNo)
	assert.Equal(t, callIDOf(first), callIDOf(second))

	auth := second.GetHeader("Authorization")
	require.NotNil(t, auth)
	cred, err := digest.ParseCredentials(auth.Value())
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "example.com", cred.Realm)
	assert.Equal(t, "abc123", cred.Nonce)

	h.reply(second, 200, nil, "regtag")
	h.waitStatus(StatusRegistered)
}

func TestRegisterSecondChallengeFails(t *testing.T) {
	h := newHarness(t, nil)
	h.ua.Start(context.Background())

	challenge := sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n1"`)
	h.reply(h.expectRequest(sip.REGISTER), 401, nil, "", challenge)
	h.reply(h.expectRequest(sip.REGISTER), 401, nil, "", challenge)

	require.Eventually(t, func() bool { return len(h.rec.agentEvents(AgentRegistrationFailed)) == 1 },
		waitTimeout, 5*time.Millisecond)
	ev := h.rec.agentEvents(AgentRegistrationFailed)[0]
	assert.True(t, IsCategory(ev.Err, RegistrationError))
	assert.Equal(t, StatusConnected, ev.Status)

	var uaErr *Error
	require.ErrorAs(t, ev.Err, &uaErr)
	assert.Equal(t, CauseAuthenticationError, uaErr.Cause)
	assert.Equal(t, 401, uaErr.StatusCode)
}

func TestRegisterIntervalTooBrief(t *testing.T) {
	h := newHarness(t, nil)
	h.ua.Start(context.Background())

	h.reply(h.expectRequest(sip.REGISTER), 423, nil, "", sip.NewHeader("Min-Expires", "900"))
	retry := h.expectRequest(sip.REGISTER)
	assert.Equal(t, "900", retry.GetHeader("Expires").Value())

	h.reply(retry, 200, nil, "regtag")
	h.waitStatus(StatusRegistered)
}

func TestRegisterRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.ua.Start(context.Background())

	h.reply(h.expectRequest(sip.REGISTER), 403, nil, "")
	require.Eventually(t, func() bool { return len(h.rec.agentEvents(AgentRegistrationFailed)) == 1 },
		waitTimeout, 5*time.Millisecond)

	var uaErr *Error
	require.ErrorAs(t, h.rec.agentEvents(AgentRegistrationFailed)[0].Err, &uaErr)
	assert.Equal(t, CauseRejected, uaErr.Cause)
	assert.Equal(t, StatusConnected, h.ua.Status())
}

func TestRegisterRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.ua.Start(context.Background())

	expires := sip.ExpiresHeader(1)
	h.reply(h.expectRequest(sip.REGISTER), 200, nil, "regtag", &expires)
	h.waitStatus(StatusRegistered)

	refresh := h.expectRequest(sip.REGISTER)
	assert.Equal(t, "600", refresh.GetHeader("Expires").Value())
	h.reply(refresh, 200, nil, "regtag", &expires)

	// следующий refresh означает, что ответ на предыдущий обработан
	h.expectRequest(sip.REGISTER)
	assert.Len(t, h.rec.agentEvents(AgentRegistered), 1, "refresh не повторяет registered")
	assert.Equal(t, StatusRegistered, h.ua.Status())
}

func TestUnregister(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	require.NoError(t, h.ua.Unregister())
	unreg := h.expectRequest(sip.REGISTER)
	assert.Equal(t, "0", unreg.GetHeader("Expires").Value())
	h.reply(unreg, 200, nil, "regtag")

	h.waitStatus(StatusConnected)
	assert.Len(t, h.rec.agentEvents(AgentUnregistered), 1)
}

func TestTransportLoss(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	h.srv.Drop(errors.New("connection reset"))
	h.waitStatus(StatusDisconnected)

	want := []AgentStatus{StatusConnecting, StatusConnected, StatusRegistered, StatusDisconnected, StatusDisconnected}
	if diff := cmp.Diff(want, h.rec.statuses()); diff != "" {
		t.Errorf("статусы (-want +got):\n%s", diff)
	}
	disc := h.rec.agentEvents(AgentDisconnected)
	require.Len(t, disc, 1)
	assert.True(t, IsCategory(disc[0].Err, TransportError))

	// хост повторяет Start
	h.ua.Start(context.Background())
	reg := h.expectRequest(sip.REGISTER)
	h.reply(reg, 200, nil, "regtag")
	h.waitStatus(StatusRegistered)
}

func TestConnectFailureWithMockTransport(t *testing.T) {
	ctrl := gomock.NewController(t)
	mt := transportmock.NewMockTransport(ctrl)
	mt.EXPECT().OnOpen(gomock.Any())
	mt.EXPECT().OnClose(gomock.Any())
	mt.EXPECT().OnMessage(gomock.Any())
	mt.EXPECT().Connect(gomock.Any()).Return(transport.ErrAllEndpointsFailed)
	mt.EXPECT().Close().Return(nil).AnyTimes()

	a, err := NewUserAgent(Config{URI: "sip:alice@example.com"}, WithTransport(mt), WithLogger(logger.Noop()))
	require.NoError(t, err)
	rec := &recorder{}
	a.Subscribe(rec.record)

	a.Start(context.Background())
	require.Eventually(t, func() bool { return len(rec.agentEvents(AgentDisconnected)) == 1 },
		waitTimeout, 5*time.Millisecond)

	assert.Equal(t, []AgentStatus{StatusConnecting, StatusDisconnected}, rec.statuses())
	assert.ErrorIs(t, rec.agentEvents(AgentDisconnected)[0].Err, transport.ErrAllEndpointsFailed)
	a.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()

	h.ua.Stop()
	unreg := h.expectRequest(sip.REGISTER)
	assert.Equal(t, "0", unreg.GetHeader("Expires").Value())
	h.ua.Stop()

	assert.Equal(t, StatusDisconnected, h.ua.Status())
	assert.Len(t, h.rec.agentEvents(AgentUnregistered), 1)
	assert.Len(t, h.rec.agentEvents(AgentDisconnected), 1)
	assert.False(t, h.srv.Connected())
}

func TestStartAfterStopReportsStopped(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()
	h.ua.Stop()
	require.Len(t, h.rec.agentEvents(AgentDisconnected), 1)

	h.ua.Start(context.Background())

	require.Eventually(t, func() bool { return len(h.rec.agentEvents(AgentDisconnected)) == 2 },
		waitTimeout, 5*time.Millisecond)
	ev := h.rec.agentEvents(AgentDisconnected)[1]
	assert.ErrorIs(t, ev.Err, ErrStopped)
	assert.True(t, IsCategory(ev.Err, TransportError))
	assert.Empty(t, h.rec.agentEvents(AgentConnecting)[1:], "повторного connecting нет")
	assert.Equal(t, StatusDisconnected, h.ua.Status())
	assert.False(t, h.srv.Connected())
}

func TestStopTerminatesActiveCall(t *testing.T) {
	h := newHarness(t, nil)
	h.startRegistered()
	s, _ := h.acceptOutgoing("bob")

	h.ua.Stop()
	h.expectRequest(sip.BYE)
	h.expectRequest(sip.REGISTER)

	assert.Equal(t, StateEnded, s.State())
	assert.Empty(t, h.ua.Sessions())
	assert.True(t, h.ua.dispatcher.Suppressed(s.ID()))
}

func TestOptionsAndUnknownMethods(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.NoRegister = true })
	h.startConnected()

	invite := incomingInvite("opts-1", nil)
	h.deliver(inDialogRequest(sip.OPTIONS, invite, "", 1))
	resp := h.expectResponse(200)
	assert.NotNil(t, resp.GetHeader("Allow"))

	h.deliver(inDialogRequest(sip.MESSAGE, invite, "", 2))
	h.expectResponse(405)

	h.deliver(inDialogRequest(sip.BYE, invite, "unknown", 3))
	h.expectResponse(481)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(MetricsConfig{Registerer: reg})
	h := newHarness(t, func(c *Config) { c.NoRegister = true }, WithMetrics(m))
	h.startConnected()

	h.acceptIncoming("m-1")
	h.deliver(incomingInvite("m-2", []byte(stubOffer)))
	h.expectResponse(486)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.busyRejections))
	assert.Equal(t, float64(StatusConnected), testutil.ToFloat64(m.agentStatus))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsStarted.WithLabelValues("incoming")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesReceived.WithLabelValues("INVITE")))
}
