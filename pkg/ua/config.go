package ua

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/webphone/pkg/transport"
)

const (
	DefaultRegisterExpires = 600 * time.Second
	DefaultBusyStatusCode  = 486
	DefaultUserAgent       = "webphone/1.0"

	// minRegisterExpires нижняя граница для Expires в REGISTER
	minRegisterExpires = 60 * time.Second
)

// Config конфигурация user agent. После NewUserAgent агент работает с копией.
type Config struct {
	// URI identity пользователя, например sip:alice@example.com
	URI string
	// Password для digest аутентификации
	Password string
	// DisplayName отображаемое имя в From
	DisplayName string
	// Endpoints точки подключения в порядке приоритета
	Endpoints []transport.Endpoint

	// SessionTimers добавляет Supported: timer и Session-Expires в INVITE
	SessionTimers bool
	// UsePreloadedRoute добавляет Route на текущий endpoint во внедиалоговые запросы
	UsePreloadedRoute bool

	// AuthorizationUser пользователь для digest, по умолчанию user из URI
	AuthorizationUser string
	// RegisterExpires запрашиваемое время регистрации
	RegisterExpires time.Duration
	// NoRegister отключает регистрацию после подключения
	NoRegister bool
	// UserAgent значение заголовка User-Agent
	UserAgent string
	// BusyStatusCode код отказа для второго входящего вызова
	BusyStatusCode int
}

// ErrInvalidConfig возвращается из NewUserAgent для некорректной конфигурации
var ErrInvalidConfig = errors.New("ua: invalid config")

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("%w: URI не может быть пустым", ErrInvalidConfig)
	}
	var u sip.Uri
	if err := sip.ParseUri(c.URI, &u); err != nil {
		return fmt.Errorf("%w: некорректный URI %q: %w", ErrInvalidConfig, c.URI, err)
	}
	if u.User == "" || u.Host == "" {
		return fmt.Errorf("%w: URI %q должен содержать user и host", ErrInvalidConfig, c.URI)
	}

	for i, ep := range c.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("%w: endpoint #%d: %w", ErrInvalidConfig, i, err)
		}
	}

	if c.RegisterExpires < 0 {
		return fmt.Errorf("%w: RegisterExpires не может быть отрицательным", ErrInvalidConfig)
	}
	if c.BusyStatusCode != 0 && (c.BusyStatusCode < 400 || c.BusyStatusCode > 699) {
		return fmt.Errorf("%w: BusyStatusCode должен быть 4xx-6xx, получен %d", ErrInvalidConfig, c.BusyStatusCode)
	}
	return nil
}

// withDefaults возвращает глубокую копию с заполненными значениями по умолчанию
func (c Config) withDefaults() Config {
	out := c
	out.Endpoints = append([]transport.Endpoint(nil), c.Endpoints...)
	if out.RegisterExpires == 0 {
		out.RegisterExpires = DefaultRegisterExpires
	}
	if out.RegisterExpires < minRegisterExpires {
		out.RegisterExpires = minRegisterExpires
	}
	if out.BusyStatusCode == 0 {
		out.BusyStatusCode = DefaultBusyStatusCode
	}
	if strings.TrimSpace(out.UserAgent) == "" {
		out.UserAgent = DefaultUserAgent
	}
	return out
}
