package websocket

import (
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Register messages
	MessageTypeRegisterEvent MessageType = "register_event"

	// Device messages
	MessageTypeDeviceState MessageType = "device_state"

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// RegisterEventData is one register event as seen by browser clients.
type RegisterEventData struct {
	Address uint8             `json:"address"`
	Name    string            `json:"name"`
	Type    types.PayloadType `json:"type"`
	Values  []float64         `json:"values"`
}

type DeviceStateData struct {
	State         string `json:"state"`
	VisualEnabled bool   `json:"visual_enabled"`
}

type SubscribedData struct {
	ClientID  string `json:"client_id"`
	Addresses []int  `json:"addresses"`
}

// ClientMessage is what browser clients send. Addresses are ints so JSON
// arrays are not mistaken for base64 byte strings.
type ClientMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Addresses []int  `json:"addresses,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewRegisterEventMessage decodes the event payload into values.
func NewRegisterEventMessage(ev events.Event) Message {
	data := RegisterEventData{
		Address: ev.Address,
		Type:    ev.Type,
	}
	if def, ok := types.LookupRegister(ev.Address); ok {
		data.Name = def.Name
	}
	if values, err := registers.DecodeValues(ev.Type, ev.Payload); err == nil {
		data.Values = values
	}

	msg := NewMessage(MessageTypeRegisterEvent, data)
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	return msg
}

func NewDeviceStateMessage(state string, visual bool) Message {
	return NewMessage(MessageTypeDeviceState, DeviceStateData{
		State:         state,
		VisualEnabled: visual,
	})
}
