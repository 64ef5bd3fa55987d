package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/conversation/turn"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/realtime"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/retrieval"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/tools"
)

// AvatarState represents a avatarState.
type AvatarState string

const (
	AvatarIdle  AvatarState = "idle"
	AvatarThink AvatarState = "think"
	AvatarTalk  AvatarState = "talk"
)

// idleHold is the debounce delay before the avatar returns to idle after a
// completed response.
const idleHold = 750 * time.Millisecond

// Item statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusTruncated  = "truncated"
)

// Item is one local conversation log entry.
type Item struct {
	ID        string
	Role      string
	Type      string
	Status    string
	Text      string
	CallID    string
	Name      string
	Arguments string
}

// Session is the upstream conversation surface the orchestrator drives.
// *realtime.Client satisfies it.
type Session interface {
	Events() <-chan realtime.ServerEvent
	UpdateSession(realtime.SessionUpdate) error
	AppendAudio(pcm []byte) error
	CommitAudio() error
	CreateItem(realtime.ConversationItem) error
	DeleteItem(itemID string) error
	TruncateItem(itemID string, contentIndex, audioEndMs int) error
	CreateResponse() error
	CancelResponse() error
	Close() error
}

// CapturePipeline is the microphone side of the audio stack.
type CapturePipeline interface {
	Begin() error
	Record(onFrame func(pcm []byte)) error
	Pause()
	End() error
	Recording() bool
}

// PlaybackPipeline is the speaker side of the audio stack.
type PlaybackPipeline interface {
	Connect() error
	AddSamples(trackID string, pcm []byte) error
	FinishTrack(trackID string)
	Interrupt() (string, int)
	Reset()
}

// Options configures an Orchestrator.
type Options struct {
	Session       Session
	Capture       CapturePipeline
	Playback      PlaybackPipeline
	Registry      *tools.Registry
	Memory        *tools.MemoryStore
	Retrieval     retrieval.Client
	Logger        *zap.Logger
	SampleRate    int
	Instructions  string
	Voice         string
	Greeting      string
	Transcription string
	TurnMode      turn.Mode

	// OnAvatarChange and OnItemsChange notify the presentation layer. Both
	// may be nil and must return quickly.
	OnAvatarChange func(AvatarState)
	OnItemsChange  func([]Item)
	OnError        func(error)
}

// Orchestrator owns the session configuration and the local conversation log.
// It classifies upstream events, drives capture and playback, dispatches tool
// calls and coordinates interruption.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger
	turns  *turn.Controller
	log    *EventLog

	mu        sync.Mutex
	items     []*Item
	byID      map[string]*Item
	avatar    AvatarState
	idleTimer *time.Timer
	connected bool
	closed    bool

	loopDone chan struct{}
}

// New executes the new function.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retrieval == nil {
		opts.Retrieval = retrieval.Noop{}
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger,
		turns:  turn.New(opts.TurnMode),
		log:    NewEventLog(),
		byID:   make(map[string]*Item),
		avatar: AvatarIdle,
	}
}

// Connect applies the session configuration, sends the initial greeting and
// starts consuming upstream events. In automatic turn mode it also starts
// continuous capture.
func (o *Orchestrator) Connect() error {
	o.mu.Lock()
	if o.connected || o.closed {
		o.mu.Unlock()
		if o.closed {
			return fmt.Errorf("conversation: orchestrator already disconnected")
		}
		return nil
	}
	o.connected = true
	o.mu.Unlock()

	if err := o.opts.Playback.Connect(); err != nil {
		o.logger.Warn("playback unavailable", zap.Error(err))
	}
	if err := o.opts.Capture.Begin(); err != nil {
		o.logger.Warn("capture unavailable", zap.Error(err))
	}

	update := realtime.SessionUpdate{
		Modalities:        []string{"text", "audio"},
		Instructions:      o.opts.Instructions,
		Voice:             o.opts.Voice,
		InputAudioFormat:  realtime.AudioFormatPCM16,
		OutputAudioFormat: realtime.AudioFormatPCM16,
		TurnDetection:     o.turns.Detection(),
	}
	if o.opts.Transcription != "" {
		update.InputAudioTranscription = &realtime.Transcription{Model: o.opts.Transcription}
	}
	if o.opts.Registry != nil {
		update.Tools = o.opts.Registry.Descriptors()
		update.ToolChoice = "auto"
	}
	o.record(SourceClient, realtime.TypeSessionUpdate)
	if err := o.opts.Session.UpdateSession(update); err != nil {
		o.mu.Lock()
		o.connected = false
		o.mu.Unlock()
		return fmt.Errorf("apply session configuration: %w", err)
	}

	o.mu.Lock()
	o.loopDone = make(chan struct{})
	o.mu.Unlock()
	go o.eventLoop()

	if o.opts.Greeting != "" {
		if err := o.sendUserText(o.opts.Greeting); err != nil {
			return fmt.Errorf("send greeting: %w", err)
		}
	}

	if o.turns.Mode() == turn.ModeAutomatic {
		o.startCaptureStream()
	}
	return nil
}

// Disconnect closes the session and releases every resource. Safe to call at
// any time, repeatedly.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.connected = false
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
	o.items = nil
	o.byID = make(map[string]*Item)
	loopDone := o.loopDone
	o.mu.Unlock()

	o.opts.Capture.Pause()
	if err := o.opts.Capture.End(); err != nil {
		o.logger.Warn("capture shutdown failed", zap.Error(err))
	}
	o.opts.Playback.Interrupt()
	o.opts.Playback.Reset()
	if o.opts.Memory != nil {
		o.opts.Memory.Clear()
	}
	o.log.Clear()

	err := o.opts.Session.Close()
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-time.After(2 * time.Second):
			o.logger.Warn("event loop did not drain in time")
		}
	}
	o.setAvatar(AvatarIdle)
	return err
}

// Avatar returns the current presence state.
func (o *Orchestrator) Avatar() AvatarState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.avatar
}

// Items returns a snapshot of the local conversation log in order.
func (o *Orchestrator) Items() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.itemsSnapshotLocked()
}

// Events returns the coalesced session event log.
func (o *Orchestrator) Events() []LoggedEvent {
	return o.log.Entries()
}

// TurnMode returns the active turn mode.
func (o *Orchestrator) TurnMode() turn.Mode {
	return o.turns.Mode()
}

// SetTurnMode switches turn detection. Capture is paused before the new
// configuration is applied; automatic mode then resumes continuous capture.
func (o *Orchestrator) SetTurnMode(mode turn.Mode) error {
	o.opts.Capture.Pause()
	o.turns.SetMode(mode)

	o.record(SourceClient, realtime.TypeSessionUpdate)
	if err := o.opts.Session.UpdateSession(realtime.SessionUpdate{
		TurnDetection: o.turns.Detection(),
	}); err != nil {
		return fmt.Errorf("apply turn mode: %w", err)
	}

	if o.turns.Mode() == turn.ModeAutomatic && o.isConnected() {
		o.startCaptureStream()
	}
	return nil
}

// StartRecording begins a manual user turn. Any active playback is
// interrupted first so the model stops talking over the user.
func (o *Orchestrator) StartRecording() error {
	o.interruptPlayback()
	o.turns.OnRecordStart()
	return o.startCaptureStream()
}

// StopRecording ends a manual user turn: capture pauses, the buffered audio
// is committed as one utterance and a response is requested.
func (o *Orchestrator) StopRecording() error {
	o.opts.Capture.Pause()
	o.record(SourceClient, realtime.TypeInputAudioCommit)
	if err := o.opts.Session.CommitAudio(); err != nil {
		return fmt.Errorf("commit audio: %w", err)
	}
	o.record(SourceClient, realtime.TypeResponseCreate)
	if err := o.opts.Session.CreateResponse(); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	o.turns.OnCommit()
	o.setAvatar(AvatarThink)
	return nil
}

// SendText submits a typed user message and requests a response.
func (o *Orchestrator) SendText(text string) error {
	o.interruptPlayback()
	return o.sendUserText(text)
}

// DeleteItem removes the item locally and issues exactly one upstream
// deletion request. Upstream remains authoritative for final state.
func (o *Orchestrator) DeleteItem(itemID string) error {
	o.mu.Lock()
	if _, ok := o.byID[itemID]; ok {
		delete(o.byID, itemID)
		for i, item := range o.items {
			if item.ID == itemID {
				o.items = append(o.items[:i], o.items[i+1:]...)
				break
			}
		}
	}
	o.notifyItemsLocked()
	o.mu.Unlock()

	o.record(SourceClient, realtime.TypeItemDelete)
	return o.opts.Session.DeleteItem(itemID)
}

func (o *Orchestrator) isConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

func (o *Orchestrator) sendUserText(text string) error {
	o.record(SourceClient, realtime.TypeItemCreate)
	if err := o.opts.Session.CreateItem(realtime.ConversationItem{
		Type: "message",
		Role: "user",
		Content: []realtime.ItemContent{
			{Type: "input_text", Text: text},
		},
	}); err != nil {
		return fmt.Errorf("create user message: %w", err)
	}
	o.record(SourceClient, realtime.TypeResponseCreate)
	if err := o.opts.Session.CreateResponse(); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	o.setAvatar(AvatarThink)
	return nil
}

func (o *Orchestrator) startCaptureStream() error {
	err := o.opts.Capture.Record(func(pcm []byte) {
		o.record(SourceClient, realtime.TypeInputAudioAppend)
		if err := o.opts.Session.AppendAudio(pcm); err != nil {
			o.logger.Warn("audio append failed", zap.Error(err))
		}
	})
	if err != nil {
		o.logger.Warn("capture stream not started", zap.Error(err))
		return err
	}
	return nil
}

// interruptPlayback stops the current track and reports the exact cut point
// upstream so its record matches what was actually heard.
func (o *Orchestrator) interruptPlayback() {
	trackID, samples := o.opts.Playback.Interrupt()
	if trackID == "" {
		o.turns.OnInterrupt()
		return
	}
	audioEndMs := samples * 1000 / o.opts.SampleRate

	o.record(SourceClient, realtime.TypeResponseCancel)
	if err := o.opts.Session.CancelResponse(); err != nil {
		o.logger.Warn("response cancel failed", zap.Error(err))
	}
	o.record(SourceClient, realtime.TypeItemTruncate)
	if err := o.opts.Session.TruncateItem(trackID, 0, audioEndMs); err != nil {
		o.logger.Warn("item truncate failed",
			zap.String("item_id", trackID),
			zap.Int("audio_end_ms", audioEndMs),
			zap.Error(err),
		)
	}

	o.mu.Lock()
	if item, ok := o.byID[trackID]; ok {
		item.Status = StatusTruncated
	}
	o.notifyItemsLocked()
	o.mu.Unlock()

	o.turns.OnInterrupt()
	o.setAvatar(AvatarIdle)
}

func (o *Orchestrator) eventLoop() {
	defer close(o.loopDone)
	for ev := range o.opts.Session.Events() {
		o.record(SourceServer, ev.Type)
		o.handleEvent(ev)
	}
}

func (o *Orchestrator) handleEvent(ev realtime.ServerEvent) {
	switch ev.Type {
	case realtime.TypeInputAudioCommitted:
		o.turns.OnCommit()
		o.setAvatar(AvatarThink)

	case realtime.TypeSpeechStarted:
		o.interruptPlayback()

	case realtime.TypeInputTranscriptionDone:
		o.mu.Lock()
		if item, ok := o.byID[ev.ItemID]; ok {
			item.Text = ev.Transcript
			item.Status = StatusCompleted
		}
		o.notifyItemsLocked()
		o.mu.Unlock()
		o.setAvatar(AvatarThink)
		go o.injectContext(ev.Transcript)

	case realtime.TypeItemCreated:
		if ev.Item != nil {
			o.upsertItem(*ev.Item)
		}

	case realtime.TypeResponseCreated:
		o.turns.OnResponseStart()
		o.setAvatar(AvatarTalk)

	case realtime.TypeResponseAudioDelta:
		o.setAvatar(AvatarTalk)
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			o.logger.Warn("audio delta decode failed", zap.String("item_id", ev.ItemID), zap.Error(err))
			return
		}
		if err := o.opts.Playback.AddSamples(ev.ItemID, pcm); err != nil {
			o.logger.Debug("audio delta dropped", zap.String("item_id", ev.ItemID), zap.Error(err))
		}

	case realtime.TypeResponseTranscript, realtime.TypeResponseTextDelta:
		o.setAvatar(AvatarTalk)
		o.mu.Lock()
		item := o.ensureItemLocked(ev.ItemID, "assistant", "message")
		item.Text += ev.Delta
		o.notifyItemsLocked()
		o.mu.Unlock()

	case realtime.TypeResponseAudioDone:
		o.opts.Playback.FinishTrack(ev.ItemID)

	case realtime.TypeFunctionArgsDone:
		o.dispatchToolCall(ev)

	case realtime.TypeResponseDone:
		o.finishResponse(ev)
		o.turns.OnResponseDone()
		o.scheduleIdle()

	case realtime.TypeError:
		var err error = fmt.Errorf("upstream error event without detail")
		if ev.Error != nil {
			err = ev.Error
		}
		o.logger.Error("upstream error", zap.Error(err))
		if o.opts.OnError != nil {
			o.opts.OnError(err)
		}
	}
}

func (o *Orchestrator) finishResponse(ev realtime.ServerEvent) {
	if ev.Response == nil {
		return
	}
	o.mu.Lock()
	for _, out := range ev.Response.Output {
		if item, ok := o.byID[out.ID]; ok && item.Status != StatusTruncated {
			item.Status = StatusCompleted
		}
	}
	o.notifyItemsLocked()
	o.mu.Unlock()
}

// dispatchToolCall resolves a tool call without blocking the event loop. The
// output item is emitted when the handler settles, success or error.
func (o *Orchestrator) dispatchToolCall(ev realtime.ServerEvent) {
	o.mu.Lock()
	item := o.ensureItemLocked(ev.ItemID, "tool", "function_call")
	item.CallID = ev.CallID
	item.Name = ev.Name
	item.Arguments = ev.Arguments
	o.notifyItemsLocked()
	o.mu.Unlock()

	go func() {
		if o.opts.Registry == nil {
			o.logger.Warn("tool call without registry", zap.String("tool", ev.Name))
			o.emitToolOutput(ev.CallID, map[string]any{"error": fmt.Sprintf("unknown tool: %s", ev.Name)})
			return
		}
		args := map[string]any{}
		if ev.Arguments != "" {
			if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
				o.emitToolOutput(ev.CallID, map[string]any{"error": fmt.Sprintf("invalid arguments: %v", err)})
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		result, err := o.opts.Registry.Invoke(ctx, ev.Name, args)
		if err != nil {
			o.logger.Warn("tool call failed", zap.String("tool", ev.Name), zap.Error(err))
			o.emitToolOutput(ev.CallID, map[string]any{"error": err.Error()})
			return
		}
		o.emitToolOutput(ev.CallID, result)
	}()
}

func (o *Orchestrator) emitToolOutput(callID string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	o.record(SourceClient, realtime.TypeItemCreate)
	if err := o.opts.Session.CreateItem(realtime.ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: string(payload),
	}); err != nil {
		o.logger.Warn("tool output send failed", zap.String("call_id", callID), zap.Error(err))
		return
	}
	o.record(SourceClient, realtime.TypeResponseCreate)
	if err := o.opts.Session.CreateResponse(); err != nil {
		o.logger.Warn("tool follow-up response failed", zap.Error(err))
	}
}

// injectContext queries the retrieval collaborator with a completed input
// transcript. Best effort only; failures never touch the event loop.
func (o *Orchestrator) injectContext(transcript string) {
	if transcript == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	passage, err := o.opts.Retrieval.Query(ctx, transcript)
	if err != nil {
		o.logger.Debug("context lookup failed", zap.Error(err))
		return
	}
	if passage == "" {
		return
	}
	o.record(SourceClient, realtime.TypeItemCreate)
	if err := o.opts.Session.CreateItem(realtime.ConversationItem{
		Type: "message",
		Role: "user",
		Content: []realtime.ItemContent{
			{Type: "input_text", Text: "Background that may be relevant: " + passage},
		},
	}); err != nil {
		o.logger.Debug("context injection failed", zap.Error(err))
	}
}

func (o *Orchestrator) upsertItem(wire realtime.ConversationItem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item := o.ensureItemLocked(wire.ID, wire.Role, wire.Type)
	if wire.Status != "" && item.Status != StatusTruncated {
		item.Status = wire.Status
	}
	for _, content := range wire.Content {
		if content.Text != "" {
			item.Text = content.Text
		} else if content.Transcript != "" {
			item.Text = content.Transcript
		}
	}
	o.notifyItemsLocked()
}

func (o *Orchestrator) ensureItemLocked(id, role, itemType string) *Item {
	if item, ok := o.byID[id]; ok {
		return item
	}
	item := &Item{
		ID:     id,
		Role:   role,
		Type:   itemType,
		Status: StatusInProgress,
	}
	o.byID[id] = item
	o.items = append(o.items, item)
	return item
}

func (o *Orchestrator) itemsSnapshotLocked() []Item {
	out := make([]Item, len(o.items))
	for i, item := range o.items {
		out[i] = *item
	}
	return out
}

func (o *Orchestrator) notifyItemsLocked() {
	if o.opts.OnItemsChange == nil {
		return
	}
	o.opts.OnItemsChange(o.itemsSnapshotLocked())
}

func (o *Orchestrator) record(source, eventType string) {
	o.log.Append(source, eventType)
}

func (o *Orchestrator) setAvatar(state AvatarState) {
	o.mu.Lock()
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
	changed := o.avatar != state
	o.avatar = state
	o.mu.Unlock()
	if changed && o.opts.OnAvatarChange != nil {
		o.opts.OnAvatarChange(state)
	}
}

// scheduleIdle arms the debounced return to idle. A newly scheduled hold
// supersedes any previously scheduled one.
func (o *Orchestrator) scheduleIdle() {
	o.mu.Lock()
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	o.idleTimer = time.AfterFunc(idleHold, func() {
		o.setAvatar(AvatarIdle)
	})
	o.mu.Unlock()
}
