package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/audio"
	appconfig "github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/config"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/conversation"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/conversation/turn"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/logger"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/realtime"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/retrieval"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "path to conf.yaml (defaults to embedded config)")
	relayURL := flag.String("relay", "", "relay websocket URL (default ws://<http_addr>/ws)")
	persona := flag.String("persona", "", "persona file name to apply")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *persona != "" {
		if err := applyPersona(&cfg, *persona); err != nil {
			fmt.Fprintf(os.Stderr, "persona: %v\n", err)
			os.Exit(1)
		}
	}

	if cfg.Log.Service == "" {
		cfg.Log.Service = "tutor-chat"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	url := *relayURL
	if url == "" {
		url = "ws://localhost" + cfg.HTTPAddr + "/ws"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	session, err := realtime.Dial(ctx, realtime.Config{URL: url, DialTimeout: 10 * time.Second}, log)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", url, err)
		os.Exit(1)
	}

	sampleRate := cfg.Audio.SampleRate
	frameDuration := time.Duration(cfg.Audio.FrameDuration) * time.Millisecond

	var capture conversation.CapturePipeline
	device, err := audio.OpenMicrophone(sampleRate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "microphone unavailable, voice input disabled: %v\n", err)
		capture = audio.NewCapture(nil, sampleRate, frameDuration, log)
	} else {
		capture = audio.NewCapture(device, sampleRate, frameDuration, log)
	}
	player := audio.NewPlayer(sampleRate, log)

	memory := tools.NewMemoryStore()
	registry := tools.NewRegistry()
	registry.Register(tools.SetMemoryTool(memory, func(snapshot map[string]any) {
		fmt.Printf("[memory] %v\n", snapshot)
	}))
	registry.Register(tools.WeatherTool(nil, "", func(m tools.WeatherMarker) {
		fmt.Printf("[weather] %s: %.1f%s wind %.1f%s\n",
			m.Location, m.Temperature, m.TemperatureUnits, m.WindSpeed, m.WindSpeedUnits)
	}))

	var retrievalClient retrieval.Client = retrieval.Noop{}
	if cfg.Retrieval.URL != "" {
		retrievalClient = retrieval.NewHTTPClient(cfg.Retrieval.URL, time.Duration(cfg.Retrieval.TimeoutMS)*time.Millisecond)
	}

	orchestrator := conversation.New(conversation.Options{
		Session:       session,
		Capture:       capture,
		Playback:      player,
		Registry:      registry,
		Memory:        memory,
		Retrieval:     retrievalClient,
		Logger:        log,
		SampleRate:    sampleRate,
		Instructions:  cfg.Session.Instructions,
		Voice:         cfg.Session.Voice,
		Greeting:      cfg.Session.Greeting,
		Transcription: cfg.Session.TranscriptionModel,
		TurnMode:      turn.ParseMode(cfg.Session.TurnMode),
		OnAvatarChange: func(state conversation.AvatarState) {
			fmt.Printf("[avatar] %s\n", state)
		},
		OnItemsChange: printLatestItem(),
		OnError: func(err error) {
			fmt.Printf("[error] %v\n", err)
		},
	})
	if err := orchestrator.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "session: %v\n", err)
		os.Exit(1)
	}
	defer orchestrator.Disconnect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("commands: /rec /stop /mode manual|automatic /quit, anything else is sent as text")
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := handleLine(orchestrator, line); done {
				return
			}
		}
	}
}

func handleLine(o *conversation.Orchestrator, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/rec":
		if err := o.StartRecording(); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	case line == "/stop":
		if err := o.StopRecording(); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	case strings.HasPrefix(line, "/mode "):
		mode := turn.ParseMode(strings.TrimPrefix(line, "/mode "))
		if err := o.SetTurnMode(mode); err != nil {
			fmt.Printf("[error] %v\n", err)
		} else {
			fmt.Printf("[mode] %s\n", mode)
		}
	default:
		if err := o.SendText(line); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	}
	return false
}

// printLatestItem prints each item once it has text, overwriting as deltas
// extend it.
func printLatestItem() func([]conversation.Item) {
	lastPrinted := map[string]string{}
	return func(items []conversation.Item) {
		for _, item := range items {
			if item.Text == "" || lastPrinted[item.ID] == item.Text {
				continue
			}
			if item.Status == conversation.StatusCompleted || item.Status == conversation.StatusTruncated {
				fmt.Printf("[%s] %s\n", item.Role, item.Text)
				lastPrinted[item.ID] = item.Text
			}
		}
	}
}

func loadConfig(path string) (appconfig.Config, error) {
	if path != "" {
		return appconfig.LoadConfig(path)
	}
	return appconfig.Load()
}

func applyPersona(cfg *appconfig.Config, name string) error {
	if !strings.HasSuffix(name, ".yaml") {
		name += ".yaml"
	}
	persona, err := appconfig.ReadPersona(filepath.Join(cfg.PersonasDir, name))
	if err != nil {
		return err
	}
	appconfig.ApplyPersona(cfg, persona)
	return nil
}
