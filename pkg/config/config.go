// Package config загружает YAML конфигурацию хоста софтфона.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/webphone/pkg/logger"
	"github.com/arzzra/webphone/pkg/media_sdp"
	"github.com/arzzra/webphone/pkg/transport"
	"github.com/arzzra/webphone/pkg/ua"
)

// Socket точка подключения к proxy
type Socket struct {
	URL          string `yaml:"url"`
	ViaTransport string `yaml:"via_transport"`
}

// Log настройки логирования
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics настройки /metrics
type Metrics struct {
	// Listen адрес HTTP сервера; пусто - метрики отключены
	Listen string `yaml:"listen"`
}

// Media настройки SDP negotiator
type Media struct {
	Address string `yaml:"address"`
	PortMin int    `yaml:"port_min"`
	PortMax int    `yaml:"port_max"`
	Video   bool   `yaml:"video"`
}

// Config корневая структура файла
type Config struct {
	URI               string        `yaml:"uri"`
	Password          string        `yaml:"password"`
	DisplayName       string        `yaml:"display_name"`
	AuthorizationUser string        `yaml:"authorization_user"`
	Sockets           []Socket      `yaml:"sockets"`
	SessionTimers     bool          `yaml:"session_timers"`
	UsePreloadedRoute bool          `yaml:"use_preloaded_route"`
	Register          *bool         `yaml:"register"`
	RegisterExpires   time.Duration `yaml:"register_expires"`
	UserAgent         string        `yaml:"user_agent"`
	BusyStatusCode    int           `yaml:"busy_status_code"`

	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	Media   Media   `yaml:"media"`
}

// Load читает и проверяет файл конфигурации
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("чтение конфигурации: %w", err))
	}
	return Parse(data)
}

// Parse разбирает YAML. Неизвестные поля считаются ошибкой.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errtrace.Wrap(fmt.Errorf("разбор конфигурации: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default значения по умолчанию
func Default() *Config {
	media := media_sdp.DefaultConfig()
	return &Config{
		RegisterExpires: ua.DefaultRegisterExpires,
		Log:             Log{Level: "info", Format: string(logger.FormatConsole)},
		Media: Media{
			Address: media.Address,
			PortMin: media.PortMin,
			PortMax: media.PortMax,
		},
	}
}

// Validate проверяет конфигурацию вместе с параметрами user agent и медиа
func (c *Config) Validate() error {
	if len(c.Sockets) == 0 {
		return errtrace.New("sockets: нужна хотя бы одна точка подключения")
	}
	uaCfg, err := c.UserAgentConfig()
	if err != nil {
		return err
	}
	if err := uaCfg.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	mc := c.MediaConfig()
	if err := mc.Validate(); err != nil {
		return errtrace.Wrap(fmt.Errorf("media: %w", err))
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatConsole, logger.FormatDev, logger.FormatJSON:
	default:
		return errtrace.Wrap(fmt.Errorf("log.format: неизвестный формат %q", c.Log.Format))
	}
	return nil
}

// UserAgentConfig строит ua.Config
func (c *Config) UserAgentConfig() (ua.Config, error) {
	endpoints := make([]transport.Endpoint, 0, len(c.Sockets))
	for i, s := range c.Sockets {
		ep, err := transport.ParseEndpoint(s.URL)
		if err != nil {
			return ua.Config{}, errtrace.Wrap(fmt.Errorf("sockets[%d]: %w", i, err))
		}
		ep.ViaTransport = s.ViaTransport
		endpoints = append(endpoints, ep)
	}

	return ua.Config{
		URI:               c.URI,
		Password:          c.Password,
		DisplayName:       c.DisplayName,
		Endpoints:         endpoints,
		SessionTimers:     c.SessionTimers,
		UsePreloadedRoute: c.UsePreloadedRoute,
		AuthorizationUser: c.AuthorizationUser,
		RegisterExpires:   c.RegisterExpires,
		NoRegister:        c.Register != nil && !*c.Register,
		UserAgent:         c.UserAgent,
		BusyStatusCode:    c.BusyStatusCode,
	}, nil
}

// MediaConfig параметры negotiator поверх значений по умолчанию
func (c *Config) MediaConfig() media_sdp.Config {
	mc := media_sdp.DefaultConfig()
	if c.Media.Address != "" {
		mc.Address = c.Media.Address
	}
	if c.Media.PortMin != 0 {
		mc.PortMin = c.Media.PortMin
	}
	if c.Media.PortMax != 0 {
		mc.PortMax = c.Media.PortMax
	}
	return mc
}

// MediaFlags медиа для исходящих вызовов
func (c *Config) MediaFlags() ua.MediaFlags {
	return ua.MediaFlags{Audio: true, Video: c.Media.Video}
}

// LoggerOptions параметры logger.New
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:  logger.ParseLevel(c.Log.Level),
		Format: logger.Format(c.Log.Format),
	}
}
