package sessions

import "github.com/arclight/agentcore/pkg/models"

// ChannelType tags the transport a session originated from. The engine has
// no notion of a messaging platform; this tag only scopes addressing within
// the checkpoint store and is otherwise opaque to it.
type ChannelType string

const (
	ChannelCLI      ChannelType = "cli"
	ChannelAPI      ChannelType = "api"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelTelegram ChannelType = "telegram"
)

// Direction marks whether a message arrived from the channel or was sent to it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Addressing fields live in models.Session.Metadata rather than as struct
// fields on the canonical type, since they're specific to how this store
// scopes sessions rather than to a session's durable identity.
const (
	metaAgentID   = "sessions_agent_id"
	metaChannel   = "sessions_channel"
	metaChannelID = "sessions_channel_id"
	metaKey       = "sessions_key"
)

func ensureMetadata(s *models.Session) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
}

func sessionAgentID(s *models.Session) string {
	v, _ := s.Metadata[metaAgentID].(string)
	return v
}

func setSessionAgentID(s *models.Session, v string) {
	ensureMetadata(s)
	s.Metadata[metaAgentID] = v
}

func sessionChannel(s *models.Session) ChannelType {
	v, _ := s.Metadata[metaChannel].(string)
	return ChannelType(v)
}

func setSessionChannel(s *models.Session, v ChannelType) {
	ensureMetadata(s)
	s.Metadata[metaChannel] = string(v)
}

func sessionChannelID(s *models.Session) string {
	v, _ := s.Metadata[metaChannelID].(string)
	return v
}

func setSessionChannelID(s *models.Session, v string) {
	ensureMetadata(s)
	s.Metadata[metaChannelID] = v
}

func sessionKey(s *models.Session) string {
	v, _ := s.Metadata[metaKey].(string)
	return v
}

func setSessionKey(s *models.Session, v string) {
	ensureMetadata(s)
	s.Metadata[metaKey] = v
}

// Message-level addressing, stored the same way on ChatMessage.Metadata.
const (
	metaMsgChannel   = "sessions_channel"
	metaMsgChannelID = "sessions_channel_id"
	metaMsgDirection = "sessions_direction"
	metaMsgSequence  = "sessions_sequence_num"
	metaMsgBranchID  = "sessions_branch_id"
)

func msgBranchID(m *models.ChatMessage) string {
	v, _ := m.Metadata[metaMsgBranchID].(string)
	return v
}

func setMsgBranchID(m *models.ChatMessage, v string) {
	ensureMsgMetadata(m)
	m.Metadata[metaMsgBranchID] = v
}

func ensureMsgMetadata(m *models.ChatMessage) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
}

func msgChannel(m *models.ChatMessage) ChannelType {
	v, _ := m.Metadata[metaMsgChannel].(string)
	return ChannelType(v)
}

func setMsgChannel(m *models.ChatMessage, v ChannelType) {
	ensureMsgMetadata(m)
	m.Metadata[metaMsgChannel] = string(v)
}

func msgChannelID(m *models.ChatMessage) string {
	v, _ := m.Metadata[metaMsgChannelID].(string)
	return v
}

func setMsgChannelID(m *models.ChatMessage, v string) {
	ensureMsgMetadata(m)
	m.Metadata[metaMsgChannelID] = v
}

func msgDirection(m *models.ChatMessage) Direction {
	v, _ := m.Metadata[metaMsgDirection].(string)
	return Direction(v)
}

func setMsgDirection(m *models.ChatMessage, v Direction) {
	ensureMsgMetadata(m)
	m.Metadata[metaMsgDirection] = string(v)
}

func msgSequence(m *models.ChatMessage) int64 {
	switch v := m.Metadata[metaMsgSequence].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func setMsgSequence(m *models.ChatMessage, v int64) {
	ensureMsgMetadata(m)
	m.Metadata[metaMsgSequence] = v
}
