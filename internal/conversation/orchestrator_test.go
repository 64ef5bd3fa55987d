package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/conversation/turn"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/realtime"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/tools"
)

type truncation struct {
	ItemID     string
	AudioEndMs int
}

type fakeSession struct {
	mu        sync.Mutex
	events    chan realtime.ServerEvent
	updates   []realtime.SessionUpdate
	created   []realtime.ConversationItem
	deleted   []string
	truncated []truncation
	appended  [][]byte
	commits   int
	responses int
	cancels   int
	closed    bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan realtime.ServerEvent, 16)}
}

func (s *fakeSession) Events() <-chan realtime.ServerEvent { return s.events }

func (s *fakeSession) UpdateSession(u realtime.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeSession) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, pcm)
	return nil
}

func (s *fakeSession) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func (s *fakeSession) CreateItem(item realtime.ConversationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, item)
	return nil
}

func (s *fakeSession) DeleteItem(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, itemID)
	return nil
}

func (s *fakeSession) TruncateItem(itemID string, _, audioEndMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated = append(s.truncated, truncation{ItemID: itemID, AudioEndMs: audioEndMs})
	return nil
}

func (s *fakeSession) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses++
	return nil
}

func (s *fakeSession) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) createdItems() []realtime.ConversationItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.ConversationItem, len(s.created))
	copy(out, s.created)
	return out
}

type fakeCapture struct {
	mu        sync.Mutex
	began     bool
	recording bool
	onFrame   func([]byte)
}

func (c *fakeCapture) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.began = true
	return nil
}

func (c *fakeCapture) Record(onFrame func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = true
	c.onFrame = onFrame
	return nil
}

func (c *fakeCapture) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = false
}

func (c *fakeCapture) End() error {
	c.Pause()
	return nil
}

func (c *fakeCapture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

type fakePlayback struct {
	mu           sync.Mutex
	tracks       map[string][]byte
	finished     []string
	interruptID  string
	interruptOff int
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{tracks: make(map[string][]byte)}
}

func (p *fakePlayback) Connect() error { return nil }

func (p *fakePlayback) AddSamples(trackID string, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks[trackID] = append(p.tracks[trackID], pcm...)
	return nil
}

func (p *fakePlayback) FinishTrack(trackID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, trackID)
}

func (p *fakePlayback) Interrupt() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, off := p.interruptID, p.interruptOff
	p.interruptID, p.interruptOff = "", 0
	return id, off
}

func (p *fakePlayback) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = make(map[string][]byte)
}

func newTestOrchestrator(t *testing.T, session *fakeSession, capture *fakeCapture, playback *fakePlayback, mode turn.Mode) *Orchestrator {
	t.Helper()
	registry := tools.NewRegistry()
	memory := tools.NewMemoryStore()
	if err := registry.Register(tools.SetMemoryTool(memory, nil)); err != nil {
		t.Fatalf("register set_memory: %v", err)
	}
	o := New(Options{
		Session:    session,
		Capture:    capture,
		Playback:   playback,
		Registry:   registry,
		Memory:     memory,
		SampleRate: 24000,
		Greeting:   "Hello!",
		TurnMode:   mode,
	})
	t.Cleanup(func() { o.Disconnect() })
	return o
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestConnectConfiguresSessionAndGreets(t *testing.T) {
	session := newFakeSession()
	o := newTestOrchestrator(t, session, &fakeCapture{}, newFakePlayback(), turn.ModeManual)

	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.mu.Lock()
	updates := len(session.updates)
	detection := session.updates[0].TurnDetection
	toolCount := len(session.updates[0].Tools)
	session.mu.Unlock()
	if updates != 1 {
		t.Fatalf("updates=%d, want 1", updates)
	}
	if detection != nil {
		t.Fatalf("detection=%+v, want nil for manual mode", detection)
	}
	if toolCount != 1 {
		t.Fatalf("tools=%d, want 1", toolCount)
	}

	created := session.createdItems()
	if len(created) != 1 || created[0].Content[0].Text != "Hello!" {
		t.Fatalf("created=%+v, want greeting", created)
	}
}

func TestManualRecordingLifecycle(t *testing.T) {
	session := newFakeSession()
	capture := &fakeCapture{}
	o := newTestOrchestrator(t, session, capture, newFakePlayback(), turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if capture.Recording() {
		t.Fatalf("capture running before startRecording in manual mode")
	}

	if err := o.StartRecording(); err != nil {
		t.Fatalf("startRecording failed: %v", err)
	}
	if !capture.Recording() {
		t.Fatalf("capture not running after startRecording")
	}

	capture.mu.Lock()
	onFrame := capture.onFrame
	capture.mu.Unlock()
	onFrame([]byte{1, 2, 3, 4})
	session.mu.Lock()
	frames := len(session.appended)
	session.mu.Unlock()
	if frames != 1 {
		t.Fatalf("appended frames=%d, want 1", frames)
	}

	if err := o.StopRecording(); err != nil {
		t.Fatalf("stopRecording failed: %v", err)
	}
	if capture.Recording() {
		t.Fatalf("capture still running after stopRecording")
	}
	session.mu.Lock()
	commits := session.commits
	session.mu.Unlock()
	if commits != 1 {
		t.Fatalf("commits=%d, want 1", commits)
	}
	if got := o.Avatar(); got != AvatarThink {
		t.Fatalf("avatar=%s, want %s", got, AvatarThink)
	}
}

func TestModeRoundTripLeavesCapturePaused(t *testing.T) {
	session := newFakeSession()
	capture := &fakeCapture{}
	o := newTestOrchestrator(t, session, capture, newFakePlayback(), turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := o.SetTurnMode(turn.ModeAutomatic); err != nil {
		t.Fatalf("switch to automatic failed: %v", err)
	}
	if !capture.Recording() {
		t.Fatalf("capture not running in automatic mode")
	}

	if err := o.SetTurnMode(turn.ModeManual); err != nil {
		t.Fatalf("switch to manual failed: %v", err)
	}
	if capture.Recording() {
		t.Fatalf("capture still running after returning to manual")
	}

	session.mu.Lock()
	last := session.updates[len(session.updates)-1]
	session.mu.Unlock()
	if last.TurnDetection != nil {
		t.Fatalf("detection=%+v, want nil after manual switch", last.TurnDetection)
	}
}

func TestInterruptReportsExactOffset(t *testing.T) {
	session := newFakeSession()
	playback := newFakePlayback()
	playback.interruptID = "item_7"
	playback.interruptOff = 12000 // half a second at 24 kHz

	o := newTestOrchestrator(t, session, &fakeCapture{}, playback, turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := o.StartRecording(); err != nil {
		t.Fatalf("startRecording failed: %v", err)
	}

	session.mu.Lock()
	truncated := append([]truncation(nil), session.truncated...)
	cancels := session.cancels
	session.mu.Unlock()
	if len(truncated) != 1 {
		t.Fatalf("truncations=%d, want 1", len(truncated))
	}
	if truncated[0].ItemID != "item_7" || truncated[0].AudioEndMs != 500 {
		t.Fatalf("truncation=%+v, want item_7 at 500ms", truncated[0])
	}
	if cancels != 1 {
		t.Fatalf("cancels=%d, want 1", cancels)
	}
}

func TestToolCallResolvesWithoutBlocking(t *testing.T) {
	session := newFakeSession()
	o := newTestOrchestrator(t, session, &fakeCapture{}, newFakePlayback(), turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.events <- realtime.ServerEvent{
		Type:      realtime.TypeFunctionArgsDone,
		ItemID:    "item_3",
		CallID:    "call_1",
		Name:      "set_memory",
		Arguments: `{"key":"favorite_color","value":"blue"}`,
	}

	waitFor(t, func() bool {
		for _, item := range session.createdItems() {
			if item.Type == "function_call_output" && item.CallID == "call_1" {
				return true
			}
		}
		return false
	})

	if got, _ := o.opts.Memory.Get("favorite_color"); got != "blue" {
		t.Fatalf("memory=%v, want blue", got)
	}
	for _, item := range session.createdItems() {
		if item.Type == "function_call_output" && !strings.Contains(item.Output, `"ok":true`) {
			t.Fatalf("output=%q, want ok ack", item.Output)
		}
	}
}

func TestToolErrorEmitsErrorOutput(t *testing.T) {
	session := newFakeSession()
	o := newTestOrchestrator(t, session, &fakeCapture{}, newFakePlayback(), turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.events <- realtime.ServerEvent{
		Type:      realtime.TypeFunctionArgsDone,
		ItemID:    "item_4",
		CallID:    "call_2",
		Name:      "no_such_tool",
		Arguments: `{}`,
	}

	waitFor(t, func() bool {
		for _, item := range session.createdItems() {
			if item.CallID == "call_2" {
				return strings.Contains(item.Output, "error")
			}
		}
		return false
	})
}

func TestDeleteItemRemovesExactlyOne(t *testing.T) {
	session := newFakeSession()
	o := newTestOrchestrator(t, session, &fakeCapture{}, newFakePlayback(), turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.events <- realtime.ServerEvent{
		Type: realtime.TypeItemCreated,
		Item: &realtime.ConversationItem{ID: "item_a", Type: "message", Role: "user"},
	}
	session.events <- realtime.ServerEvent{
		Type: realtime.TypeItemCreated,
		Item: &realtime.ConversationItem{ID: "item_b", Type: "message", Role: "assistant"},
	}
	waitFor(t, func() bool { return len(o.Items()) == 2 })

	if err := o.DeleteItem("item_a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	items := o.Items()
	if len(items) != 1 || items[0].ID != "item_b" {
		t.Fatalf("items=%+v, want only item_b", items)
	}
	session.mu.Lock()
	deleted := append([]string(nil), session.deleted...)
	session.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "item_a" {
		t.Fatalf("upstream deletions=%v, want exactly [item_a]", deleted)
	}
}

func TestAudioDeltaFeedsPlayback(t *testing.T) {
	session := newFakeSession()
	playback := newFakePlayback()
	o := newTestOrchestrator(t, session, &fakeCapture{}, playback, turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	session.events <- realtime.ServerEvent{
		Type:   realtime.TypeResponseAudioDelta,
		ItemID: "item_9",
		Delta:  base64.StdEncoding.EncodeToString(pcm),
	}

	waitFor(t, func() bool {
		playback.mu.Lock()
		defer playback.mu.Unlock()
		return len(playback.tracks["item_9"]) == len(pcm)
	})
	if got := o.Avatar(); got != AvatarTalk {
		t.Fatalf("avatar=%s, want %s", got, AvatarTalk)
	}

	session.events <- realtime.ServerEvent{
		Type:   realtime.TypeResponseAudioDone,
		ItemID: "item_9",
	}
	waitFor(t, func() bool {
		playback.mu.Lock()
		defer playback.mu.Unlock()
		return len(playback.finished) == 1 && playback.finished[0] == "item_9"
	})
}

func TestTranscriptDeltasAccumulate(t *testing.T) {
	session := newFakeSession()
	o := newTestOrchestrator(t, session, &fakeCapture{}, newFakePlayback(), turn.ModeManual)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.events <- realtime.ServerEvent{Type: realtime.TypeResponseTranscript, ItemID: "item_5", Delta: "Hel"}
	session.events <- realtime.ServerEvent{Type: realtime.TypeResponseTranscript, ItemID: "item_5", Delta: "lo"}

	waitFor(t, func() bool {
		for _, item := range o.Items() {
			if item.ID == "item_5" && item.Text == "Hello" {
				return true
			}
		}
		return false
	})
}

func TestContextInjectionBestEffort(t *testing.T) {
	session := newFakeSession()
	o := newTestOrchestrator(t, session, &fakeCapture{}, newFakePlayback(), turn.ModeManual)
	o.opts.Retrieval = stubRetrieval{passage: "The capital of France is Paris."}
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.events <- realtime.ServerEvent{
		Type:       realtime.TypeInputTranscriptionDone,
		ItemID:     "item_6",
		Transcript: "what is the capital of france",
	}

	waitFor(t, func() bool {
		for _, item := range session.createdItems() {
			if len(item.Content) > 0 && strings.Contains(item.Content[0].Text, "Paris") {
				return true
			}
		}
		return false
	})
}

func TestRetrievalFailureIsSwallowed(t *testing.T) {
	session := newFakeSession()
	o := newTestOrchestrator(t, session, &fakeCapture{}, newFakePlayback(), turn.ModeManual)
	o.opts.Retrieval = stubRetrieval{err: context.DeadlineExceeded}
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.events <- realtime.ServerEvent{
		Type:       realtime.TypeInputTranscriptionDone,
		ItemID:     "item_8",
		Transcript: "anything",
	}
	session.events <- realtime.ServerEvent{
		Type: realtime.TypeItemCreated,
		Item: &realtime.ConversationItem{ID: "item_8", Type: "message", Role: "user"},
	}
	waitFor(t, func() bool { return len(o.Items()) == 1 })
}

func TestDisconnectIsIdempotent(t *testing.T) {
	session := newFakeSession()
	capture := &fakeCapture{}
	o := newTestOrchestrator(t, session, capture, newFakePlayback(), turn.ModeAutomatic)
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !capture.Recording() {
		t.Fatalf("automatic mode should stream capture after connect")
	}

	if err := o.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if err := o.Disconnect(); err != nil {
		t.Fatalf("second disconnect failed: %v", err)
	}
	if capture.Recording() {
		t.Fatalf("capture still running after disconnect")
	}
	if got := len(o.Items()); got != 0 {
		t.Fatalf("items=%d, want 0 after disconnect", got)
	}
	if got := o.Avatar(); got != AvatarIdle {
		t.Fatalf("avatar=%s, want %s", got, AvatarIdle)
	}
}

func TestToolCallWithoutRegistryEmitsError(t *testing.T) {
	session := newFakeSession()
	o := New(Options{
		Session:    session,
		Capture:    &fakeCapture{},
		Playback:   newFakePlayback(),
		SampleRate: 24000,
		TurnMode:   turn.ModeManual,
	})
	t.Cleanup(func() { o.Disconnect() })
	if err := o.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	session.events <- realtime.ServerEvent{
		Type:      realtime.TypeFunctionArgsDone,
		ItemID:    "item_10",
		CallID:    "call_3",
		Name:      "get_weather",
		Arguments: `{"lat":1,"lng":2,"location":"Nowhere"}`,
	}

	waitFor(t, func() bool {
		for _, item := range session.createdItems() {
			if item.Type == "function_call_output" && item.CallID == "call_3" {
				return strings.Contains(item.Output, "error") &&
					strings.Contains(item.Output, "get_weather")
			}
		}
		return false
	})
}

type failingUpdateSession struct {
	*fakeSession
}

func (s *failingUpdateSession) UpdateSession(realtime.SessionUpdate) error {
	return errors.New("session update rejected")
}

func TestConnectFailureLeavesFastDisconnect(t *testing.T) {
	session := &failingUpdateSession{fakeSession: newFakeSession()}
	o := New(Options{
		Session:    session,
		Capture:    &fakeCapture{},
		Playback:   newFakePlayback(),
		SampleRate: 24000,
		TurnMode:   turn.ModeManual,
	})
	if err := o.Connect(); err == nil {
		t.Fatalf("expected connect error")
	}

	start := time.Now()
	if err := o.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("disconnect took %v, want immediate return", elapsed)
	}
}

type stubRetrieval struct {
	passage string
	err     error
}

func (s stubRetrieval) Query(context.Context, string) (string, error) {
	return s.passage, s.err
}
