package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies realtime websocket payload variants. The same
// envelope format is spoken on both legs of the relay: client <-> bridged
// and bridged <-> upstream speech service.
type MessageType string

const (
	// Client -> bridged.
	TypeInputAudioAppend MessageType = "input_audio_buffer.append"
	TypeInputAudioCommit MessageType = "input_audio_buffer.commit"
	TypeResponseCreate   MessageType = "response.create"
	TypePing             MessageType = "ping"

	// Bridged/upstream -> client.
	TypeSessionCreated          MessageType = "session.created"
	TypeSessionUpdated          MessageType = "session.updated"
	TypeSpeechStarted           MessageType = "input_audio_buffer.speech_started"
	TypeSpeechStopped           MessageType = "input_audio_buffer.speech_stopped"
	TypeInputAudioCommitted     MessageType = "input_audio_buffer.committed"
	TypeResponseCreated         MessageType = "response.created"
	TypeResponseAudioDelta      MessageType = "response.audio.delta"
	TypeResponseAudioDone       MessageType = "response.audio.done"
	TypeResponseTranscriptDelta MessageType = "response.audio_transcript.delta"
	TypeResponseTranscriptDone  MessageType = "response.audio_transcript.done"
	TypeResponseDone            MessageType = "response.done"
	TypeError                   MessageType = "error"
	TypePong                    MessageType = "pong"
)

// Audio wire format shared by every audio-bearing message.
const (
	SampleRate    = 24000
	Channels      = 1
	BitsPerSample = 16

	// Chunk bounds enforced on inbound audio appends.
	minAudioChunkBytes = 64
	maxAudioChunkBytes = 8192
)

var ErrInvalidEnvelope = errors.New("invalid message envelope")

type Envelope struct {
	Type MessageType `json:"type"`
}

type InputAudioAppend struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"` // base64 PCM16LE mono 24kHz
}

type InputAudioCommit struct {
	Type MessageType `json:"type"`
}

type ResponseCreate struct {
	Type     MessageType    `json:"type"`
	Response ResponseConfig `json:"response"`
}

type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

type SessionCreated struct {
	Type    MessageType `json:"type"`
	Session SessionInfo `json:"session"`
}

type SessionUpdated struct {
	Type MessageType `json:"type"`
}

type SessionInfo struct {
	ID string `json:"id"`
}

type SpeechStarted struct {
	Type         MessageType `json:"type"`
	AudioStartMS int64       `json:"audio_start_ms,omitempty"`
}

type SpeechStopped struct {
	Type       MessageType `json:"type"`
	AudioEndMS int64       `json:"audio_end_ms,omitempty"`
}

type InputAudioCommitted struct {
	Type   MessageType `json:"type"`
	ItemID string      `json:"item_id,omitempty"`
}

type ResponseCreated struct {
	Type     MessageType `json:"type"`
	Response ResponseRef `json:"response"`
}

type ResponseRef struct {
	ID string `json:"id,omitempty"`
}

type ResponseAudioDelta struct {
	Type       MessageType `json:"type"`
	ResponseID string      `json:"response_id,omitempty"`
	Delta      string      `json:"delta"` // base64 PCM16LE mono 24kHz
}

type ResponseAudioDone struct {
	Type       MessageType `json:"type"`
	ResponseID string      `json:"response_id,omitempty"`
}

type ResponseTranscriptDelta struct {
	Type       MessageType `json:"type"`
	ResponseID string      `json:"response_id,omitempty"`
	Delta      string      `json:"delta"`
}

type ResponseTranscriptDone struct {
	Type       MessageType `json:"type"`
	ResponseID string      `json:"response_id,omitempty"`
	Transcript string      `json:"transcript"`
}

type ResponseDone struct {
	Type     MessageType    `json:"type"`
	Response ResponseResult `json:"response"`
}

type ResponseResult struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Usage  Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Unhandled carries a message whose type is not part of the protocol
// surface. Unknown types are surfaced explicitly so callers decide what to
// do with them instead of the parser swallowing them.
type Unhandled struct {
	Type MessageType
	Raw  json.RawMessage
}

// ParseMessage decodes a raw websocket text frame into its typed variant.
// Unknown types return an Unhandled value and a nil error.
func ParseMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}

	switch env.Type {
	case TypeInputAudioAppend:
		var msg InputAudioAppend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := ValidateAudioPayload(msg.Audio); err != nil {
			return nil, fmt.Errorf("input_audio_buffer.append: %w", err)
		}
		return msg, nil
	case TypeInputAudioCommit:
		var msg InputAudioCommit
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseCreate:
		var msg ResponseCreate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePong:
		var msg Pong
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSessionCreated:
		var msg SessionCreated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSessionUpdated:
		var msg SessionUpdated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSpeechStarted:
		var msg SpeechStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSpeechStopped:
		var msg SpeechStopped
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeInputAudioCommitted:
		var msg InputAudioCommitted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseCreated:
		var msg ResponseCreated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseAudioDelta:
		var msg ResponseAudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Delta == "" {
			return nil, errors.New("response.audio.delta: empty delta")
		}
		return msg, nil
	case TypeResponseAudioDone:
		var msg ResponseAudioDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseTranscriptDelta:
		var msg ResponseTranscriptDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseTranscriptDone:
		var msg ResponseTranscriptDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseDone:
		var msg ResponseDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return Unhandled{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// ValidateAudioPayload checks that a base64 audio payload decodes to well
// formed PCM16 within the accepted chunk bounds.
func ValidateAudioPayload(audio string) error {
	if audio == "" {
		return errors.New("empty audio payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return fmt.Errorf("audio is not valid base64: %w", err)
	}
	if len(decoded)%2 != 0 {
		return fmt.Errorf("audio length %d is not PCM16 aligned", len(decoded))
	}
	if len(decoded) < minAudioChunkBytes {
		return fmt.Errorf("audio chunk %d bytes below minimum %d", len(decoded), minAudioChunkBytes)
	}
	if len(decoded) > maxAudioChunkBytes {
		return fmt.Errorf("audio chunk %d bytes above maximum %d", len(decoded), maxAudioChunkBytes)
	}
	return nil
}

// TypeOf reports the wire type of a parsed message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case InputAudioAppend:
		return m.Type, true
	case InputAudioCommit:
		return m.Type, true
	case ResponseCreate:
		return m.Type, true
	case Ping:
		return m.Type, true
	case Pong:
		return m.Type, true
	case SessionCreated:
		return m.Type, true
	case SessionUpdated:
		return m.Type, true
	case SpeechStarted:
		return m.Type, true
	case SpeechStopped:
		return m.Type, true
	case InputAudioCommitted:
		return m.Type, true
	case ResponseCreated:
		return m.Type, true
	case ResponseAudioDelta:
		return m.Type, true
	case ResponseAudioDone:
		return m.Type, true
	case ResponseTranscriptDelta:
		return m.Type, true
	case ResponseTranscriptDone:
		return m.Type, true
	case ResponseDone:
		return m.Type, true
	case ErrorMessage:
		return m.Type, true
	case Unhandled:
		return m.Type, true
	default:
		return "", false
	}
}
