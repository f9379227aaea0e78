package media_sdp

import (
	"net"
	"time"
)

// MediaKind тип медиа потока в m= строке
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CodecInfo содержит информацию о поддерживаемом кодеке
type CodecInfo struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

// Config параметры negotiator по умолчанию
type Config struct {
	SessionName string
	// Username поле o= строки
	Username string

	// Address адрес, публикуемый в c= строке
	Address string

	// PortMin/PortMax диапазон RTP портов
	PortMin int
	PortMax int

	// Кодеки в порядке приоритета
	AudioCodecs []CodecInfo
	VideoCodecs []CodecInfo

	// DTMF поддержка (RFC 4733)
	DTMFEnabled     bool
	DTMFPayloadType uint8

	Ptime time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SessionName: "webphone",
		Username:    "-",
		Address:     "127.0.0.1",
		PortMin:     10000,
		PortMax:     20000,
		AudioCodecs: []CodecInfo{
			{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
			{PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
		},
		VideoCodecs: []CodecInfo{
			{PayloadType: 96, Name: "VP8", ClockRate: 90000},
		},
		DTMFEnabled:     true,
		DTMFPayloadType: 101,
		Ptime:           20 * time.Millisecond,
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Address == "" {
		return NewSDPError(ErrorCodeInvalidConfig, "", "Address не может быть пустым")
	}
	if net.ParseIP(c.Address) == nil {
		return NewSDPError(ErrorCodeInvalidConfig, "", "Address должен быть IP адресом: %q", c.Address)
	}

	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMin >= c.PortMax {
		return NewSDPError(ErrorCodeInvalidConfig, "", "некорректный диапазон портов: %d-%d", c.PortMin, c.PortMax)
	}

	if len(c.AudioCodecs) == 0 {
		return NewSDPError(ErrorCodeInvalidConfig, "", "AudioCodecs не может быть пустым")
	}

	// Проверяем уникальность payload types
	payloadTypes := make(map[uint8]string)
	all := append(append([]CodecInfo(nil), c.AudioCodecs...), c.VideoCodecs...)
	for _, codec := range all {
		if prev, dup := payloadTypes[codec.PayloadType]; dup {
			return NewSDPError(ErrorCodeInvalidConfig, "",
				"дублированный PayloadType %d: %s и %s", codec.PayloadType, prev, codec.Name)
		}
		payloadTypes[codec.PayloadType] = codec.Name

		if codec.ClockRate == 0 {
			return NewSDPError(ErrorCodeInvalidConfig, "",
				"ClockRate для кодека %s должен быть больше 0", codec.Name)
		}
	}
	if c.DTMFEnabled {
		if name, dup := payloadTypes[c.DTMFPayloadType]; dup {
			return NewSDPError(ErrorCodeInvalidConfig, "",
				"DTMFPayloadType %d занят кодеком %s", c.DTMFPayloadType, name)
		}
	}

	return nil
}

func (c *Config) addressType() string {
	if ip := net.ParseIP(c.Address); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

func (c *Config) codecs(kind MediaKind) []CodecInfo {
	if kind == MediaVideo {
		return c.VideoCodecs
	}
	return c.AudioCodecs
}
