package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	appdefaults "github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/config"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/logger"
)

// UpstreamConfig represents a upstreamConfig.
type UpstreamConfig struct {
	URL    string `mapstructure:"url"`
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

// Endpoint returns the full upstream websocket URL including the model query.
func (u UpstreamConfig) Endpoint() string {
	if u.Model == "" {
		return u.URL
	}
	if strings.Contains(u.URL, "?") {
		return u.URL + "&model=" + u.Model
	}
	return u.URL + "?model=" + u.Model
}

// SessionConfig represents a sessionConfig.
type SessionConfig struct {
	Instructions       string `mapstructure:"instructions"`
	Voice              string `mapstructure:"voice"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	TurnMode           string `mapstructure:"turn_mode"`
	Greeting           string `mapstructure:"greeting"`
}

// AudioConfig represents a audioConfig.
type AudioConfig struct {
	SampleRate    int `mapstructure:"sample_rate"`
	FrameDuration int `mapstructure:"frame_duration"`
}

// RetrievalConfig represents a retrievalConfig.
type RetrievalConfig struct {
	URL       string `mapstructure:"url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// Config represents a config.
type Config struct {
	RootDir     string          `mapstructure:"-"`
	HTTPAddr    string          `mapstructure:"http_addr"`
	Upstream    UpstreamConfig  `mapstructure:"upstream"`
	Session     SessionConfig   `mapstructure:"session"`
	Audio       AudioConfig     `mapstructure:"audio"`
	Retrieval   RetrievalConfig `mapstructure:"retrieval"`
	PersonasDir string          `mapstructure:"personas_dir"`
	Log         logger.Config   `mapstructure:"log"`
}

// Load executes the load function.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	setDefaults(v)

	v.SetEnvPrefix("tutor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	applyFallbacks(&cfg)
	derivePaths(&cfg)

	return cfg, nil
}

// LoadConfig executes the loadConfig function.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("TUTOR_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	setDefaults(v)

	v.SetEnvPrefix("tutor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	applyFallbacks(&cfg)
	derivePaths(&cfg)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8081")
	v.SetDefault("upstream.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("upstream.model", "gpt-4o-realtime-preview-2024-10-01")
	v.SetDefault("session.voice", "alloy")
	v.SetDefault("session.turn_mode", "manual")
	v.SetDefault("session.transcription_model", "whisper-1")
	v.SetDefault("session.greeting", "Hello!")
	v.SetDefault("audio.sample_rate", 24000)
	v.SetDefault("audio.frame_duration", 50)
	v.SetDefault("retrieval.timeout_ms", 1500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "tutor-relay.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

func applyFallbacks(cfg *Config) {
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 24000
	}
	if cfg.Audio.FrameDuration <= 0 {
		cfg.Audio.FrameDuration = 50
	}
	if cfg.Retrieval.TimeoutMS <= 0 {
		cfg.Retrieval.TimeoutMS = 1500
	}
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("TUTOR_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.PersonasDir = resolvePath(cfg.RootDir, cfg.PersonasDir, "personas")
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
