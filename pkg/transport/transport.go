// Package transport содержит адаптер двунаправленного канала сигнализации.
//
// Транспорт доставляет текстовые SIP сообщения между user agent и
// registrar/proxy. Основная реализация - WebSocket (RFC 7118, подпротокол "sip")
// с перебором точек подключения в заданном порядке.
package transport

//go:generate mockgen -destination=transportmock/transport.go -package=transportmock . Transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected возвращается при отправке без открытого соединения
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected возвращается при повторном Connect
	ErrAlreadyConnected = errors.New("transport: already connected")
	// ErrAllEndpointsFailed ни одна точка подключения не ответила
	ErrAllEndpointsFailed = errors.New("transport: all endpoints failed")
	// ErrNoEndpoints пустой список точек подключения
	ErrNoEndpoints = errors.New("transport: no endpoints configured")
)

// MessageHandler получает одно входящее сообщение целиком
type MessageHandler func(msg []byte)

// OpenHandler вызывается после установки соединения
type OpenHandler func(ep Endpoint)

// CloseHandler вызывается при потере соединения.
// Для закрытия через Close обработчик не вызывается.
type CloseHandler func(err error)

// Transport интерфейс адаптера сигнального канала.
//
// Обработчики регистрируются до Connect. Обработчики могут вызываться из
// внутренних горутин транспорта, но не параллельно друг другу.
type Transport interface {
	// Connect открывает соединение, перебирая точки подключения по порядку.
	// Блокирует до открытия соединения или исчерпания списка.
	Connect(ctx context.Context) error

	// Send отправляет одно сообщение
	Send(ctx context.Context, msg []byte) error

	OnMessage(h MessageHandler)
	OnOpen(h OpenHandler)
	OnClose(h CloseHandler)

	// Close закрывает соединение; повторный вызов безопасен
	Close() error

	IsConnected() bool

	// Endpoint возвращает текущую точку подключения
	Endpoint() (Endpoint, bool)
}
