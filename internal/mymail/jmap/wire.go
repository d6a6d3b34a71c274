package jmap

import (
	"encoding/json"
	"fmt"
)

// Capability URIs this engine speaks.
const (
	CapCore       = "urn:ietf:params:jmap:core"
	CapMail       = "urn:ietf:params:jmap:mail"
	CapSubmission = "urn:ietf:params:jmap:submission"
	CapWebSocket  = "urn:ietf:params:jmap:websocket"
)

// DataType identifies a server-side data type in push notifications.
type DataType string

const (
	DataTypeCore    DataType = "Core"
	DataTypeMailbox DataType = "Mailbox"
	DataTypeEmail   DataType = "Email"
)

// Invocation is one method call or response: [name, arguments, callId].
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (inv Invocation) MarshalJSON() ([]byte, error) {
	args := inv.Args
	if args == nil {
		args = json.RawMessage("{}")
	}
	return json.Marshal([3]any{inv.Name, args, inv.CallID})
}

func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var parts [3]json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("invocation is not a 3-element array: %w", err)
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return fmt.Errorf("invocation name: %w", err)
	}
	inv.Args = parts[1]
	if err := json.Unmarshal(parts[2], &inv.CallID); err != nil {
		return fmt.Errorf("invocation call id: %w", err)
	}
	return nil
}

// requestFrame is the WebSocket request envelope (RFC 8887 §4.3.2). The id
// is the correlation tag echoed back as requestId on the response.
type requestFrame struct {
	Type        string       `json:"@type"`
	ID          string       `json:"id"`
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// responseFrame is the tagged response envelope.
type responseFrame struct {
	Type            string       `json:"@type"`
	RequestID       string       `json:"requestId"`
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// requestErrorFrame is a request-level problem report (RFC 8887 §4.3.4).
type requestErrorFrame struct {
	Type      string `json:"@type"`
	RequestID string `json:"requestId"`
	ProbType  string `json:"type"`
	Detail    string `json:"detail"`
}

// StateChange is the push notification carried over the channel: for each
// account, the data types whose server state advanced.
type StateChange struct {
	Changed map[string]map[DataType]string `json:"changed"`
}

// Has reports whether the notification touches the given data type in any
// account.
func (sc *StateChange) Has(dt DataType) bool {
	for _, types := range sc.Changed {
		if _, ok := types[dt]; ok {
			return true
		}
	}
	return false
}

// pushEnableFrame asks the server to deliver StateChange objects for the
// given data types over this connection.
type pushEnableFrame struct {
	Type      string     `json:"@type"`
	DataTypes []DataType `json:"dataTypes"`
}

// inboundFrame is the discriminated union of everything the server sends.
type inboundFrame struct {
	kind        string // "Response", "StateChange", "RequestError"
	response    *responseFrame
	stateChange *StateChange
	requestErr  *requestErrorFrame
}

func decodeInboundFrame(data []byte) (*inboundFrame, error) {
	var probe struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: undecodable frame: %v", ErrProtocol, err)
	}

	switch probe.Type {
	case "Response":
		var resp responseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: bad response frame: %v", ErrProtocol, err)
		}
		return &inboundFrame{kind: "Response", response: &resp}, nil

	case "StateChange":
		var sc StateChange
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("%w: bad state change frame: %v", ErrProtocol, err)
		}
		return &inboundFrame{kind: "StateChange", stateChange: &sc}, nil

	case "RequestError":
		var re requestErrorFrame
		if err := json.Unmarshal(data, &re); err != nil {
			return nil, fmt.Errorf("%w: bad request error frame: %v", ErrProtocol, err)
		}
		return &inboundFrame{kind: "RequestError", requestErr: &re}, nil

	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrProtocol, probe.Type)
	}
}

// firstMethodResponse extracts the single method response the engine expects
// from an envelope. The "error" method name is mapped to a MethodError.
func firstMethodResponse(resp *responseFrame) (*Invocation, error) {
	if len(resp.MethodResponses) == 0 {
		return nil, fmt.Errorf("%w: empty response envelope", ErrProtocol)
	}
	inv := resp.MethodResponses[0]
	if inv.Name == "error" {
		var me MethodError
		if err := json.Unmarshal(inv.Args, &me); err != nil {
			return nil, fmt.Errorf("%w: undecodable method error", ErrProtocol)
		}
		return nil, &me
	}
	return &inv, nil
}
