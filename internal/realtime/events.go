package realtime

import (
	"encoding/json"
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// AudioFormat represents a audioFormat.
type AudioFormat string

// AudioFormatPCM16 is the only format the orchestrator speaks.
const AudioFormatPCM16 AudioFormat = "pcm16"

// Client event types sent to the upstream service.
const (
	TypeSessionUpdate      = "session.update"
	TypeInputAudioAppend   = "input_audio_buffer.append"
	TypeInputAudioCommit   = "input_audio_buffer.commit"
	TypeItemCreate         = "conversation.item.create"
	TypeItemDelete         = "conversation.item.delete"
	TypeItemTruncate       = "conversation.item.truncate"
	TypeResponseCreate     = "response.create"
	TypeResponseCancel     = "response.cancel"
)

// Server event types interpreted by the orchestrator.
const (
	TypeError                  = "error"
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeItemCreated            = "conversation.item.created"
	TypeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeInputAudioCommitted    = "input_audio_buffer.committed"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeResponseCreated        = "response.created"
	TypeResponseOutputAdded    = "response.output_item.added"
	TypeResponseAudioDelta     = "response.audio.delta"
	TypeResponseAudioDone      = "response.audio.done"
	TypeResponseTranscript     = "response.audio_transcript.delta"
	TypeResponseTextDelta      = "response.text.delta"
	TypeFunctionArgsDone       = "response.function_call_arguments.done"
	TypeResponseDone           = "response.done"
)

// BaseEvent carries the fields common to every client event.
type BaseEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// NewBaseEvent executes the newBaseEvent function.
func NewBaseEvent(eventType string) BaseEvent {
	id, err := nanoid.New()
	if err != nil {
		panic(err)
	}
	return BaseEvent{
		EventID: id,
		Type:    eventType,
	}
}

// TurnDetection holds the upstream VAD configuration. A nil TurnDetection in
// SessionUpdate means manual commit boundaries.
type TurnDetection struct {
	Type              string  `json:"type,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response,omitempty"`
	InterruptResponse bool    `json:"interrupt_response,omitempty"`
}

// Transcription configures input audio transcription.
type Transcription struct {
	Model string `json:"model,omitempty"`
}

// Tool describes a callable function advertised to the upstream service.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionUpdate represents a sessionUpdate.
type SessionUpdate struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        AudioFormat    `json:"input_audio_format,omitempty"`
	OutputAudioFormat       AudioFormat    `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// SessionUpdateEvent represents a sessionUpdateEvent.
type SessionUpdateEvent struct {
	BaseEvent
	Session SessionUpdate `json:"session"`
}

// ItemContent represents a itemContent.
type ItemContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Audio      string `json:"audio,omitempty"`
}

// ConversationItem is the wire shape of a conversation entry.
type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Status  string        `json:"status,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Name    string        `json:"name,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ItemCreateEvent represents a itemCreateEvent.
type ItemCreateEvent struct {
	BaseEvent
	PreviousItemID string           `json:"previous_item_id,omitempty"`
	Item           ConversationItem `json:"item"`
}

// ItemDeleteEvent represents a itemDeleteEvent.
type ItemDeleteEvent struct {
	BaseEvent
	ItemID string `json:"item_id"`
}

// ItemTruncateEvent tells upstream how much of an assistant item was heard.
type ItemTruncateEvent struct {
	BaseEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// InputAudioAppendEvent represents a inputAudioAppendEvent.
type InputAudioAppendEvent struct {
	BaseEvent
	Audio string `json:"audio"`
}

// ResponseCreateEvent represents a responseCreateEvent.
type ResponseCreateEvent struct {
	BaseEvent
	Response map[string]any `json:"response,omitempty"`
}

// ErrorDetail holds the details of an upstream error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

// Error executes the error method.
func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response is the summary object carried by response.done.
type Response struct {
	ID     string             `json:"id"`
	Status string             `json:"status"`
	Output []ConversationItem `json:"output"`
}

// ServerEvent is the envelope for every inbound upstream event. Only the
// fields relevant to the received Type are populated; Raw keeps the original
// payload for diagnosis.
type ServerEvent struct {
	EventID      string            `json:"event_id"`
	Type         string            `json:"type"`
	Error        *ErrorDetail      `json:"error,omitempty"`
	Item         *ConversationItem `json:"item,omitempty"`
	ItemID       string            `json:"item_id,omitempty"`
	ResponseID   string            `json:"response_id,omitempty"`
	ContentIndex int               `json:"content_index,omitempty"`
	Delta        string            `json:"delta,omitempty"`
	Transcript   string            `json:"transcript,omitempty"`
	CallID       string            `json:"call_id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Arguments    string            `json:"arguments,omitempty"`
	Response     *Response         `json:"response,omitempty"`
	Raw          json.RawMessage   `json:"-"`
}

// ParseServerEvent executes the parseServerEvent function.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, err
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}
