package wsbroker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	TypeAuth              = "auth"
	TypeAuthResponse      = "auth_response"
	TypeConnect           = "connect"
	TypeConnectResponse   = "connect_response"
	TypeData              = "data"
	TypeDisconnect        = "disconnect"
	TypeConnector         = "connector"
	TypeConnectorResponse = "connector_response"
)

// BaseMessage defines the common interface for all message types
type BaseMessage interface {
	GetType() string
}

// AuthMessage opens a link. Token may also be the sha256 hex of the token.
type AuthMessage struct {
	Token   string `json:"token"`
	Reverse bool   `json:"reverse"`
}

func (AuthMessage) GetType() string { return TypeAuth }

// AuthResponseMessage represents an authentication response
type AuthResponseMessage struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (AuthResponseMessage) GetType() string { return TypeAuthResponse }

// ConnectMessage asks the peer to open a TCP connection. The connect ID is
// the channel ID for the lifetime of the connection.
type ConnectMessage struct {
	ConnectID uuid.UUID `json:"connect_id"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
}

func (ConnectMessage) GetType() string { return TypeConnect }

// Target returns the host:port the message asks for.
func (m ConnectMessage) Target() string {
	return joinHostPort(m.Address, m.Port)
}

// ConnectResponseMessage represents a connection response
type ConnectResponseMessage struct {
	ConnectID uuid.UUID `json:"connect_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timeout   bool      `json:"timeout,omitempty"`
}

func (ConnectResponseMessage) GetType() string { return TypeConnectResponse }

// DataMessage carries channel payload. Data is base64 on the wire.
type DataMessage struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Data      []byte    `json:"data"`
}

func (DataMessage) GetType() string { return TypeData }

// DisconnectMessage represents a connection termination message
type DisconnectMessage struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Error     string    `json:"error,omitempty"`
}

func (DisconnectMessage) GetType() string { return TypeDisconnect }

// ConnectorMessage represents a connector management command from reverse client
type ConnectorMessage struct {
	ConnectID      uuid.UUID `json:"connect_id"`
	ConnectorToken string    `json:"connector_token"`
	Operation      string    `json:"operation"` // "add" or "remove"
}

func (ConnectorMessage) GetType() string { return TypeConnector }

// ConnectorResponseMessage represents a connector management response
type ConnectorResponseMessage struct {
	ConnectID      uuid.UUID `json:"connect_id"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	ConnectorToken string    `json:"connector_token,omitempty"`
}

func (ConnectorResponseMessage) GetType() string { return TypeConnectorResponse }

// PackMessage encodes msg as a JSON object with a leading "type" field.
func PackMessage(msg BaseMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("message %s is not a JSON object", msg.GetType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Quote(msg.GetType()))
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

func unmarshalMessage[T BaseMessage](data []byte) (BaseMessage, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ParseMessage decodes a message produced by PackMessage.
func ParseMessage(data []byte) (BaseMessage, error) {
	var typeOnly struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &typeOnly); err != nil {
		return nil, fmt.Errorf("failed to parse message type: %w", err)
	}

	switch typeOnly.Type {
	case TypeAuth:
		return unmarshalMessage[AuthMessage](data)
	case TypeAuthResponse:
		return unmarshalMessage[AuthResponseMessage](data)
	case TypeConnect:
		return unmarshalMessage[ConnectMessage](data)
	case TypeConnectResponse:
		return unmarshalMessage[ConnectResponseMessage](data)
	case TypeData:
		return unmarshalMessage[DataMessage](data)
	case TypeDisconnect:
		return unmarshalMessage[DisconnectMessage](data)
	case TypeConnector:
		return unmarshalMessage[ConnectorMessage](data)
	case TypeConnectorResponse:
		return unmarshalMessage[ConnectorResponseMessage](data)
	default:
		return nil, fmt.Errorf("unknown message type: %s", typeOnly.Type)
	}
}
