package memtransport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/transport"
	"github.com/arzzra/webphone/pkg/transport/memtransport"
)

func mustEndpoint(t *testing.T, raw string) transport.Endpoint {
	t.Helper()
	ep, err := transport.ParseEndpoint(raw)
	require.NoError(t, err)
	return ep
}

func TestConnectFailover(t *testing.T) {
	registry := memtransport.NewRegistry()
	srv := registry.Listen("wss://b.example.com/ws")

	tr := registry.NewTransport(
		mustEndpoint(t, "wss://a.example.com/ws"),
		mustEndpoint(t, "wss://b.example.com/ws"),
	)

	var opened transport.Endpoint
	tr.OnOpen(func(ep transport.Endpoint) { opened = ep })

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, "b.example.com", opened.Host)
	assert.True(t, srv.Connected())

	ep, ok := tr.Endpoint()
	require.True(t, ok)
	assert.Equal(t, opened, ep)

	assert.ErrorIs(t, tr.Connect(context.Background()), transport.ErrAlreadyConnected)
}

func TestConnectAllFailed(t *testing.T) {
	registry := memtransport.NewRegistry()
	tr := registry.NewTransport(mustEndpoint(t, "ws://nowhere.example.com/"))

	err := tr.Connect(context.Background())
	require.ErrorIs(t, err, transport.ErrAllEndpointsFailed)
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("x")), transport.ErrNotConnected)
}

func TestSendAndDeliver(t *testing.T) {
	registry := memtransport.NewRegistry()
	srv := registry.Listen("ws://proxy.example.com/")
	tr := registry.NewTransport(mustEndpoint(t, "ws://proxy.example.com/"))

	var got [][]byte
	tr.OnMessage(func(msg []byte) { got = append(got, msg) })
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Send(context.Background(), []byte("REGISTER")))
	msg, ok := srv.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, "REGISTER", string(msg))

	require.NoError(t, srv.Deliver([]byte("SIP/2.0 200 OK")))
	require.Len(t, got, 1)
	assert.Equal(t, "SIP/2.0 200 OK", string(got[0]))
}

func TestDropCallsOnClose(t *testing.T) {
	registry := memtransport.NewRegistry()
	srv := registry.Listen("ws://proxy.example.com/")
	tr := registry.NewTransport(mustEndpoint(t, "ws://proxy.example.com/"))

	boom := errors.New("reset by peer")
	var closedWith error
	tr.OnClose(func(err error) { closedWith = err })
	require.NoError(t, tr.Connect(context.Background()))

	srv.Drop(boom)
	assert.ErrorIs(t, closedWith, boom)
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, srv.Deliver([]byte("late")), memtransport.ErrNoClient)
}

func TestLocalCloseDoesNotCallOnClose(t *testing.T) {
	registry := memtransport.NewRegistry()
	srv := registry.Listen("ws://proxy.example.com/")
	tr := registry.NewTransport(mustEndpoint(t, "ws://proxy.example.com/"))

	called := false
	tr.OnClose(func(error) { called = true })
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, called)
	assert.False(t, srv.Connected())
}

func TestFailConnect(t *testing.T) {
	registry := memtransport.NewRegistry()
	registry.Listen("ws://proxy.example.com/")
	tr := registry.NewTransport(mustEndpoint(t, "ws://proxy.example.com/"))

	tr.FailConnect(errors.New("dns"))
	assert.ErrorIs(t, tr.Connect(context.Background()), transport.ErrAllEndpointsFailed)

	tr.FailConnect(nil)
	assert.NoError(t, tr.Connect(context.Background()))
}
