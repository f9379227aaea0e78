package ua

// AgentStatus статус user agent
type AgentStatus int

const (
	StatusDisconnected AgentStatus = iota
	StatusConnecting
	StatusConnected
	StatusRegistered
)

var agentStatusNames = map[AgentStatus]string{
	StatusDisconnected: "Disconnected",
	StatusConnecting:   "Connecting",
	StatusConnected:    "Connected",
	StatusRegistered:   "Registered",
}

func (s AgentStatus) String() string {
	if name, ok := agentStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// NextStatus вычисляет статус агента после события.
// connected - состояние транспорта после события.
// Пары, отсутствующие в таблице переходов, не меняют статус.
func NextStatus(current AgentStatus, kind AgentEventKind, connected bool) AgentStatus {
	switch kind {
	case AgentConnecting:
		if current == StatusDisconnected {
			return StatusConnecting
		}
	case AgentConnected:
		if current == StatusConnecting {
			return StatusConnected
		}
	case AgentRegistered:
		if current == StatusConnected || current == StatusRegistered {
			return StatusRegistered
		}
	case AgentUnregistered:
		if current == StatusRegistered {
			if connected {
				return StatusConnected
			}
			return StatusDisconnected
		}
	case AgentDisconnected:
		return StatusDisconnected
	case AgentRegistrationFailed:
		if current == StatusConnected || current == StatusRegistered {
			if connected {
				return StatusConnected
			}
			return StatusDisconnected
		}
	}
	return current
}
