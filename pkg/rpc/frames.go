// Package rpc implements the RPC Dispatcher and Handshake: the
// allowlist-guarded, sanitized, rate-limited client<->server request plane
// plus server push, grounded on the teacher's MCP gateway
// (core/pkg/mcp/gateway.go, catalog.go) and policy firewall
// (core/pkg/firewall/firewall.go) but generalized from an HTTP tool-call
// shape to the JSON packet contract of spec §4.8 and §6. Framing on the
// wire is left to the transport.
package rpc

import "encoding/json"

// Protocol is the fixed protocol version every frame must carry.
const Protocol = 1

// FrameType enumerates the six RPC wire frame kinds.
type FrameType string

const (
	FrameHello         FrameType = "hello"
	FrameHelloAck      FrameType = "hello_ack"
	FrameHandshakeFail FrameType = "handshake_fail"
	FrameRPCCall       FrameType = "rpc_call"
	FrameRPCResponse   FrameType = "rpc_response"
	FrameServerEvent   FrameType = "server_event"
)

// Envelope is the common frame shell: every frame carries protocol and
// type; the rest is dispatched by Type into the concrete payload.
type Envelope struct {
	Protocol int             `json:"protocol"`
	Type     FrameType       `json:"type"`
	Raw      json.RawMessage `json:"-"`
}

// ClientInfo is the client-reported identity in a hello frame.
type ClientInfo struct {
	Version string   `json:"version"`
	Mods    []string `json:"mods,omitempty"`
}

// HelloFrame is the client's opening handshake frame.
type HelloFrame struct {
	Protocol int        `json:"protocol"`
	Type     FrameType  `json:"type"`
	Client   ClientInfo `json:"client"`
}

// ServerInfo is the server-reported identity in a hello_ack frame.
type ServerInfo struct {
	Version  string   `json:"version"`
	APIHash  string   `json:"apiHash"`
	Features []string `json:"features"`
}

// HelloAckFrame is the server's successful handshake reply.
type HelloAckFrame struct {
	Protocol int        `json:"protocol"`
	Type     FrameType  `json:"type"`
	Server   ServerInfo `json:"server"`
}

// HandshakeFailFrame is the server's rejected handshake reply.
type HandshakeFailFrame struct {
	Protocol int       `json:"protocol"`
	Type     FrameType `json:"type"`
	Reason   string    `json:"reason"`
}

// RPCCallFrame is a client->server method invocation request.
type RPCCallFrame struct {
	Protocol int             `json:"protocol"`
	Type     FrameType       `json:"type"`
	ID       string          `json:"id"`
	Method   string          `json:"method"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// RPCError is the error shape embedded in a failed RPCResponseFrame.
type RPCError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// RPCResponseFrame is the server's reply to exactly one RPCCallFrame,
// matched by ID.
type RPCResponseFrame struct {
	Protocol int       `json:"protocol"`
	Type     FrameType `json:"type"`
	ID       string    `json:"id"`
	Success  bool      `json:"success"`
	Result   any       `json:"result,omitempty"`
	Error    *RPCError `json:"error,omitempty"`
}

// ServerEventFrame is a server->client push, used for watch notifications
// and other unsolicited server-originated events.
type ServerEventFrame struct {
	Protocol int       `json:"protocol"`
	Type     FrameType `json:"type"`
	Event    string    `json:"event"`
	Payload  any       `json:"payload"`
}

func newResponse(id string, result any) RPCResponseFrame {
	return RPCResponseFrame{Protocol: Protocol, Type: FrameRPCResponse, ID: id, Success: true, Result: result}
}

func newErrorResponse(id string, code ErrorCode, message string) RPCResponseFrame {
	return RPCResponseFrame{
		Protocol: Protocol, Type: FrameRPCResponse, ID: id, Success: false,
		Error: &RPCError{Code: code, Message: message},
	}
}
