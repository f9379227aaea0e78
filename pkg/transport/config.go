package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// TransportType определяет тип транспортного протокола
type TransportType string

const (
	// TransportWS - WebSocket транспорт
	TransportWS TransportType = "WS"
	// TransportWSS - WebSocket Secure транспорт
	TransportWSS TransportType = "WSS"
)

// Endpoint описывает одну точку подключения к registrar/proxy.
type Endpoint struct {
	// Type - тип транспорта
	Type TransportType

	Host string

	// Port - 0 означает порт по умолчанию для схемы
	Port int

	// WSPath - путь для WebSocket соединения (по умолчанию "/")
	WSPath string

	// ViaTransport переопределяет значение transport в Via/Contact
	ViaTransport string
}

// ParseEndpoint разбирает URL вида wss://host:port/path.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("некорректный URL транспорта %q: %w", raw, err))
	}

	var ep Endpoint
	switch strings.ToLower(u.Scheme) {
	case "ws":
		ep.Type = TransportWS
	case "wss":
		ep.Type = TransportWSS
	default:
		return Endpoint{}, errtrace.Wrap(fmt.Errorf("неподдерживаемая схема транспорта %q", u.Scheme))
	}

	ep.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, errtrace.Wrap(fmt.Errorf("некорректный порт %q: %w", p, err))
		}
		ep.Port = port
	}
	ep.WSPath = u.EscapedPath()
	if ep.WSPath == "" {
		ep.WSPath = "/"
	}
	if u.RawQuery != "" {
		ep.WSPath += "?" + u.RawQuery
	}

	return ep, errtrace.Wrap(ep.Validate())
}

// Validate проверяет корректность конфигурации транспорта
func (e Endpoint) Validate() error {
	switch e.Type {
	case TransportWS, TransportWSS:
	default:
		return errtrace.Wrap(fmt.Errorf("неизвестный тип транспорта: %s", e.Type))
	}

	if e.Host == "" {
		return errtrace.New("host не может быть пустым")
	}

	if e.Port < 0 || e.Port > 65535 {
		return errtrace.Wrap(fmt.Errorf("некорректный порт: %d", e.Port))
	}

	if e.WSPath == "" {
		return errtrace.New("WSPath не может быть пустым для WebSocket транспорта")
	}
	if !strings.HasPrefix(e.WSPath, "/") {
		return errtrace.New("WSPath должен начинаться с /")
	}

	return nil
}

// URL возвращает адрес для подключения
func (e Endpoint) URL() string {
	scheme := "ws"
	if e.IsSecure() {
		scheme = "wss"
	}
	host := e.Host
	if e.Port != 0 {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	path := e.WSPath
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// GetScheme возвращает SIP схему для данного типа транспорта
func (e Endpoint) GetScheme() string {
	if e.IsSecure() {
		return "sips"
	}
	return "sip"
}

// GetTransportParam возвращает параметр transport для Contact и Via заголовков
func (e Endpoint) GetTransportParam() string {
	if e.ViaTransport != "" {
		return strings.ToLower(e.ViaTransport)
	}
	if e.IsSecure() {
		return "wss"
	}
	return "ws"
}

// IsSecure проверяет, является ли транспорт защищенным
func (e Endpoint) IsSecure() bool {
	return e.Type == TransportWSS
}

// String для логов
func (e Endpoint) String() string {
	return e.URL()
}
