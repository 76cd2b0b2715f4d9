package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/internal/throttle"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	LLM      LLMConfig
	Storage  StorageConfig
	STT      STTConfig
	TTS      TTSConfig
	Image    ImageConfig
	Render   RenderConfig
	Worker   WorkerConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type LLMConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	GeminiKey        string
	OllamaURL        string
	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	FallbackModel    string
}

type StorageConfig struct {
	Backend     string // "supabase" or "local"
	SupabaseURL string
	SupabaseKey string
	Bucket      string
	LocalDir    string
}

type STTConfig struct {
	Backend       string // "openai", "local" or "none"
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	LocalBaseURL  string // default: "http://localhost:8178"
}

type TTSConfig struct {
	Backend           string // "openai", "elevenlabs" or "local"
	OpenAIKey         string
	OpenAIBaseURL     string
	OpenAIModel       string
	ElevenLabsKey     string
	ElevenLabsBaseURL string
	ElevenLabsModel   string
	LocalBinPath      string // default: "piper"
	LocalModel        string // required when backend=local
	DefaultVoice      string
}

type ImageConfig struct {
	Provider        string // "openai" or "pollinations"
	OpenAIKey       string
	OpenAIBaseURL   string
	OpenAIModel     string
	PollinationsURL string
	PollinationsKey string
	AspectRatio     string
}

type RenderConfig struct {
	Assembler  string // "ffmpeg" or "manifest"
	FFmpegPath string
	WorkDir    string
}

type WorkerConfig struct {
	Concurrency int
	TaskTimeout time.Duration
	// CallbackSecret signs run-finished callbacks.
	CallbackSecret string
}

// PipelineConfig holds the tuning knobs of a generation run. Values come from
// the environment and may be overridden by the YAML file named in
// PIPELINE_CONFIG_FILE.
type PipelineConfig struct {
	Retry                   retry.Policy   `yaml:"retry"`
	Throttle                ThrottleConfig `yaml:"throttle"`
	NarrationConcurrency    int            `yaml:"narration_concurrency"`
	IllustrationConcurrency int            `yaml:"illustration_concurrency"`
	DriftTolerance          float64        `yaml:"drift_tolerance"`
	CharsPerSecond          float64        `yaml:"chars_per_second"`
	FillerSeconds           float64        `yaml:"filler_seconds"`
	SourceCharBudget        int            `yaml:"source_char_budget"`
	ScriptCacheTTL          time.Duration  `yaml:"script_cache_ttl"`
}

type ThrottleConfig struct {
	Text   time.Duration `yaml:"text"`
	Speech time.Duration `yaml:"speech"`
	Image  time.Duration `yaml:"image"`
}

// Gaps maps service classes to their minimum call spacing.
func (t ThrottleConfig) Gaps() map[string]time.Duration {
	return map[string]time.Duration{
		throttle.ServiceText:   t.Text,
		throttle.ServiceSpeech: t.Speech,
		throttle.ServiceImage:  t.Image,
	}
}

func Load() (*Config, error) {
	var errs []string
	intVar := func(key string, fallback int) int {
		v, err := getEnvInt(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}
	floatVar := func(key string, fallback float64) float64 {
		v, err := getEnvFloat(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}
	durVar := func(key string, fallback time.Duration) time.Duration {
		v, err := getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return v
	}

	openAIKey := getEnv("OPENAI_API_KEY", "")

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: intVar("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: intVar("DB_MAX_CONNS", 20),
			MinConns: intVar("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intVar("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		LLM: LLMConfig{
			OpenAIKey:        openAIKey,
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			GeminiKey:        getEnv("GEMINI_API_KEY", ""),
			OllamaURL:        getEnv("OLLAMA_URL", ""),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			FallbackModel:    getEnv("LLM_FALLBACK_MODEL", ""),
		},
		Storage: StorageConfig{
			Backend:     getEnv("STORAGE_BACKEND", "local"),
			SupabaseURL: getEnv("SUPABASE_URL", ""),
			SupabaseKey: getEnv("SUPABASE_SERVICE_KEY", ""),
			Bucket:      getEnv("STORAGE_BUCKET", "lessonreel"),
			LocalDir:    getEnv("STORAGE_LOCAL_DIR", "data/artifacts"),
		},
		STT: STTConfig{
			Backend:       getEnv("STT_BACKEND", "none"),
			OpenAIKey:     openAIKey,
			OpenAIBaseURL: getEnv("STT_OPENAI_BASE_URL", ""),
			OpenAIModel:   getEnv("STT_OPENAI_MODEL", ""),
			LocalBaseURL:  getEnv("STT_LOCAL_BASE_URL", "http://localhost:8178"),
		},
		TTS: TTSConfig{
			Backend:           getEnv("TTS_BACKEND", "openai"),
			OpenAIKey:         openAIKey,
			OpenAIBaseURL:     getEnv("TTS_OPENAI_BASE_URL", ""),
			OpenAIModel:       getEnv("TTS_OPENAI_MODEL", ""),
			ElevenLabsKey:     getEnv("ELEVENLABS_API_KEY", ""),
			ElevenLabsBaseURL: getEnv("ELEVENLABS_BASE_URL", ""),
			ElevenLabsModel:   getEnv("ELEVENLABS_MODEL", ""),
			LocalBinPath:      getEnv("TTS_LOCAL_PIPER_BIN", "piper"),
			LocalModel:        getEnv("TTS_LOCAL_PIPER_MODEL", ""),
			DefaultVoice:      getEnv("TTS_DEFAULT_VOICE", "alloy"),
		},
		Image: ImageConfig{
			Provider:        getEnv("IMAGE_PROVIDER", "pollinations"),
			OpenAIKey:       openAIKey,
			OpenAIBaseURL:   getEnv("IMAGE_OPENAI_BASE_URL", ""),
			OpenAIModel:     getEnv("IMAGE_OPENAI_MODEL", "dall-e-3"),
			PollinationsURL: getEnv("POLLINATIONS_URL", "https://image.pollinations.ai"),
			PollinationsKey: getEnv("POLLINATIONS_API_KEY", ""),
			AspectRatio:     getEnv("IMAGE_ASPECT_RATIO", "16:9"),
		},
		Render: RenderConfig{
			Assembler:  getEnv("RENDER_ASSEMBLER", "manifest"),
			FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
			WorkDir:    getEnv("RENDER_WORK_DIR", os.TempDir()),
		},
		Worker: WorkerConfig{
			Concurrency:    intVar("WORKER_CONCURRENCY", 4),
			TaskTimeout:    durVar("WORKER_TASK_TIMEOUT", 45*time.Minute),
			CallbackSecret: getEnv("CALLBACK_SIGNING_SECRET", ""),
		},
		Pipeline: PipelineConfig{
			Retry: retry.Policy{
				MaxAttempts:    intVar("RETRY_MAX_ATTEMPTS", 4),
				BaseDelay:      durVar("RETRY_BASE_DELAY", time.Second),
				RateLimitDelay: durVar("RETRY_RATE_LIMIT_DELAY", 5*time.Second),
				Multiplier:     floatVar("RETRY_MULTIPLIER", 2.0),
				MaxDelay:       durVar("RETRY_MAX_DELAY", 30*time.Second),
			},
			Throttle: ThrottleConfig{
				Text:   durVar("THROTTLE_TEXT_GAP", 500*time.Millisecond),
				Speech: durVar("THROTTLE_SPEECH_GAP", 300*time.Millisecond),
				Image:  durVar("THROTTLE_IMAGE_GAP", time.Second),
			},
			NarrationConcurrency:    intVar("NARRATION_CONCURRENCY", 2),
			IllustrationConcurrency: intVar("ILLUSTRATION_CONCURRENCY", 3),
			DriftTolerance:          floatVar("DRIFT_TOLERANCE", 0.05),
			CharsPerSecond:          floatVar("CHARS_PER_SECOND", 15),
			FillerSeconds:           floatVar("FILLER_SECONDS", 2),
			SourceCharBudget:        intVar("SOURCE_CHAR_BUDGET", 30000),
			ScriptCacheTTL:          durVar("SCRIPT_CACHE_TTL", 24*time.Hour),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	if path := getEnv("PIPELINE_CONFIG_FILE", ""); path != "" {
		if err := cfg.Pipeline.MergeFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// MergeFile overlays the keys present in a YAML file onto p. Keys missing
// from the file keep their current values.
func (p *PipelineConfig) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the settings every binary needs.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return c.Pipeline.Validate()
}

func (p PipelineConfig) Validate() error {
	switch {
	case p.Retry.MaxAttempts < 1:
		return fmt.Errorf("retry.max_attempts must be >= 1")
	case p.Retry.Multiplier < 1.5:
		return fmt.Errorf("retry.multiplier must be >= 1.5")
	case p.NarrationConcurrency < 1 || p.IllustrationConcurrency < 1:
		return fmt.Errorf("concurrency caps must be >= 1")
	case p.DriftTolerance < 0:
		return fmt.Errorf("drift_tolerance must not be negative")
	case p.CharsPerSecond <= 0:
		return fmt.Errorf("chars_per_second must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
