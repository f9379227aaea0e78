package media_sdp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// newSessionDescription создает каркас SDP без m= строк
func (n *SDPNegotiator) newSessionDescription(sessionID, version uint64) *sdp.SessionDescription {
	addrType := n.config.addressType()
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       n.config.Username,
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: n.config.Address,
		},
		SessionName: sdp.SessionName(n.config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: n.config.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

// buildMedia создает m= строку с указанными кодеками
func (n *SDPNegotiator) buildMedia(kind MediaKind, port int, codecs []CodecInfo, direction string, dtmfPT int) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  string(kind),
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		md = md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
	}
	if kind == MediaAudio && dtmfPT >= 0 {
		md = md.WithCodec(uint8(dtmfPT), "telephone-event", 8000, 0, "0-15")
	}
	if kind == MediaAudio && n.config.Ptime > 0 {
		md = md.WithValueAttribute("ptime", strconv.Itoa(int(n.config.Ptime/time.Millisecond)))
	}
	return md.WithPropertyAttribute(direction)
}

// rejectedMedia m= строка с нулевым портом (RFC 3264, 6)
func rejectedMedia(offered *sdp.MediaDescription) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   offered.MediaName.Media,
			Port:    sdp.RangedPort{Value: 0},
			Protos:  offered.MediaName.Protos,
			Formats: offered.MediaName.Formats,
		},
	}
}

// answerDirection возвращает направление ответа для направления предложения
func answerDirection(offered string) string {
	switch offered {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	case "inactive":
		return "inactive"
	default:
		return "sendrecv"
	}
}

// mediaDirection извлекает атрибут направления, по умолчанию sendrecv
func mediaDirection(md *sdp.MediaDescription) string {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "sendonly", "recvonly", "sendrecv", "inactive":
			return attr.Key
		}
	}
	return "sendrecv"
}

// rtpmaps извлекает rtpmap атрибуты: payload type -> "NAME/rate"
func rtpmaps(md *sdp.MediaDescription) map[string]string {
	out := make(map[string]string)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		parts := strings.SplitN(attr.Value, " ", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// matchRtpmap проверяет соответствие rtpmap поддерживаемому кодеку
func matchRtpmap(rtpmap string, codec CodecInfo) bool {
	parts := strings.Split(rtpmap, "/")
	if len(parts) < 2 {
		return false
	}
	clockRate, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return strings.EqualFold(codec.Name, parts[0]) && codec.ClockRate == uint32(clockRate)
}

// selectCodecs выбирает поддерживаемые кодеки в порядке предложения.
// Статические payload types без rtpmap сравниваются по номеру.
func selectCodecs(md *sdp.MediaDescription, supported []CodecInfo) []CodecInfo {
	maps := rtpmaps(md)
	var out []CodecInfo
	for _, format := range md.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		rtpmap, hasMap := maps[format]
		for _, codec := range supported {
			if hasMap {
				if matchRtpmap(rtpmap, codec) {
					c := codec
					// в ответе используем payload type предложения
					c.PayloadType = uint8(pt)
					out = append(out, c)
					break
				}
				continue
			}
			if pt < 96 && uint8(pt) == codec.PayloadType {
				out = append(out, codec)
				break
			}
		}
	}
	return out
}

// telephoneEvent ищет payload type telephone-event/8000 в предложении
func telephoneEvent(md *sdp.MediaDescription) (int, bool) {
	for pt, rtpmap := range rtpmaps(md) {
		if strings.HasPrefix(strings.ToLower(rtpmap), "telephone-event/8000") {
			if v, err := strconv.Atoi(pt); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// remoteAddress адрес RTP из c= строки медиа или сессии
func remoteAddress(sd *sdp.SessionDescription, md *sdp.MediaDescription) (string, error) {
	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci == nil || ci.Address == nil || ci.Address.Address == "" {
		return "", fmt.Errorf("нет c= строки для m=%s", md.MediaName.Media)
	}
	host := ci.Address.Address
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, md.MediaName.Port.Value), nil
}
