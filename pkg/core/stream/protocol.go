// Package stream manages one duplex audio session against the remote
// voice agent over a websocket.
package stream

import (
	"encoding/json"
)

// MimePCM16k is the outbound audio MIME type. The session carries
// exactly one codec: mono 16-bit PCM, 16 kHz out, 24 kHz in.
const MimePCM16k = "audio/pcm;rate=16000"

// clientSetup is the control message sent once after the socket opens.
type clientSetup struct {
	Model  string      `json:"model"`
	Config setupConfig `json:"config"`
}

type setupConfig struct {
	ResponseModalities []string `json:"responseModalities"`
	SystemInstruction  string   `json:"systemInstruction,omitempty"`
}

// clientAudio is the per-frame data message.
type clientAudio struct {
	Audio audioPayload `json:"audio"`
}

type audioPayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Message is the closed set of inbound message variants. Raw payloads
// are decoded exactly once, here at the session boundary; downstream
// components never inspect untyped JSON.
type Message interface {
	messageType() string
}

// ControlAck acknowledges the setup control message.
type ControlAck struct{}

func (ControlAck) messageType() string { return "control_ack" }

// AudioChunk carries transport-encoded response audio (24 kHz PCM).
type AudioChunk struct {
	Data string
}

func (AudioChunk) messageType() string { return "audio_chunk" }

// RemoteError is a structured application-level error from the agent.
// It does not itself terminate the session.
type RemoteError struct {
	Message string
}

func (RemoteError) messageType() string { return "remote_error" }

// Unrecognized is any message shape this client does not understand.
// Treated as a no-op by consumers.
type Unrecognized struct {
	Raw json.RawMessage
}

func (Unrecognized) messageType() string { return "unrecognized" }

type serverEnvelope struct {
	SetupComplete *struct{}       `json:"setupComplete"`
	Error         *serverError    `json:"error"`
	Response      *serverResponse `json:"response"`
}

type serverError struct {
	Message string `json:"message"`
}

type serverResponse struct {
	Audio string `json:"audio"`
}

// decodeServerMessage maps one inbound text frame onto the tagged
// variant set. Unparseable frames are Unrecognized, never fatal.
func decodeServerMessage(data []byte) Message {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Unrecognized{Raw: append(json.RawMessage(nil), data...)}
	}
	switch {
	case env.Error != nil:
		return RemoteError{Message: env.Error.Message}
	case env.Response != nil && env.Response.Audio != "":
		return AudioChunk{Data: env.Response.Audio}
	case env.SetupComplete != nil:
		return ControlAck{}
	default:
		return Unrecognized{Raw: append(json.RawMessage(nil), data...)}
	}
}
