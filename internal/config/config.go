// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config reúne tudo que o cam-stream precisa para subir.
// Valores vêm (nesta ordem) dos defaults, do YAML opcional e do ambiente.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ServerURL       string        `yaml:"server_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log     LogConfig     `yaml:"log"`
	Stream  StreamConfig  `yaml:"stream"`
	Scripts ScriptsConfig `yaml:"scripts"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Pull    PullConfig    `yaml:"pull"`

	DatabaseURL string `yaml:"database_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StreamConfig struct {
	Expiry        time.Duration `yaml:"expiry"`
	SweepWindow   time.Duration `yaml:"sweep_window"`
	ViewerBuffer  int           `yaml:"viewer_buffer"`
	MaxFrameBytes int           `yaml:"max_frame_bytes"`
}

type ScriptsConfig struct {
	WorkDir         string        `yaml:"work_dir"`
	Interpreters    []string      `yaml:"interpreters"`
	RequiredMajor   int           `yaml:"required_major"`
	StopGrace       time.Duration `yaml:"stop_grace"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
}

type MQTTConfig struct {
	Enabled             bool   `yaml:"enabled"`
	BaseTopic           string `yaml:"base_topic"`
	PublishScriptOutput bool   `yaml:"publish_script_output"`
}

// PullConfig lista câmeras HTTP (MJPEG ou snapshot) puxadas pelo servidor.
// Mais câmeras chegam em runtime pelo MQTT quando habilitado.
type PullConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
	Cameras    []PullCamera  `yaml:"cameras"`
}

type PullCamera struct {
	SourceID string        `yaml:"source_id"`
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

// Default devolve a configuração de fábrica.
func Default() Config {
	return Config{
		HTTPAddr:        ":3000",
		ServerURL:       "http://localhost:3000",
		ShutdownTimeout: 10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Stream: StreamConfig{
			Expiry:        5 * time.Second,
			SweepWindow:   30 * time.Second,
			ViewerBuffer:  8,
			MaxFrameBytes: 2 << 20,
		},
		Scripts: ScriptsConfig{
			WorkDir:         "scripts",
			Interpreters:    []string{"python3", "python", "py"},
			RequiredMajor:   3,
			StopGrace:       5 * time.Second,
			RestartDelay:    time.Second,
			ValidateTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			BaseTopic: "cam-stream",
		},
		Pull: PullConfig{
			RetryDelay: 5 * time.Second,
		},
	}
}

// LoadDotEnv carrega o .env (ou os caminhos informados) para o ambiente.
// Arquivo ausente não é fatal; quem chama decide se loga.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Load monta a Config final: defaults -> YAML (CAMSTREAM_CONFIG) -> env.
// warn recebe avisos de valores inválidos que caíram no default.
func Load(warn func(string)) (Config, error) {
	if warn == nil {
		warn = func(string) {}
	}
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CAMSTREAM_CONFIG")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg, warn)

	if cfg.Stream.SweepWindow < cfg.Stream.Expiry {
		warn(fmt.Sprintf("STREAM_SWEEP_SECONDS (%s) menor que STREAM_EXPIRY_SECONDS (%s), usando %s",
			cfg.Stream.SweepWindow, cfg.Stream.Expiry, cfg.Stream.Expiry))
		cfg.Stream.SweepWindow = cfg.Stream.Expiry
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, warn func(string)) {
	cfg.HTTPAddr = GetEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ServerURL = strings.TrimSuffix(GetEnv("SERVER_URL", cfg.ServerURL), "/")
	cfg.ShutdownTimeout = GetEnvDurationSeconds("SHUTDOWN_TIMEOUT_SECONDS", cfg.ShutdownTimeout, warn)
	cfg.DatabaseURL = GetEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.Log.Level = GetEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = GetEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Stream.Expiry = GetEnvDurationSeconds("STREAM_EXPIRY_SECONDS", cfg.Stream.Expiry, warn)
	cfg.Stream.SweepWindow = GetEnvDurationSeconds("STREAM_SWEEP_SECONDS", cfg.Stream.SweepWindow, warn)
	cfg.Stream.ViewerBuffer = GetEnvInt("STREAM_VIEWER_BUFFER", cfg.Stream.ViewerBuffer, warn)
	cfg.Stream.MaxFrameBytes = GetEnvInt("STREAM_MAX_FRAME_BYTES", cfg.Stream.MaxFrameBytes, warn)

	cfg.Scripts.WorkDir = GetEnv("SCRIPTS_WORK_DIR", cfg.Scripts.WorkDir)
	if list := ParseCSV(os.Getenv("SCRIPTS_INTERPRETERS")); len(list) > 0 {
		cfg.Scripts.Interpreters = list
	}
	cfg.Scripts.RequiredMajor = GetEnvInt("SCRIPTS_REQUIRED_MAJOR", cfg.Scripts.RequiredMajor, warn)
	cfg.Scripts.StopGrace = GetEnvDurationSeconds("SCRIPTS_STOP_GRACE_SECONDS", cfg.Scripts.StopGrace, warn)
	if ms := GetEnvInt("SCRIPTS_RESTART_DELAY_MS", 0, warn); ms > 0 {
		cfg.Scripts.RestartDelay = time.Duration(ms) * time.Millisecond
	}
	cfg.Scripts.ValidateTimeout = GetEnvDurationSeconds("SCRIPTS_VALIDATE_TIMEOUT_SECONDS", cfg.Scripts.ValidateTimeout, warn)

	cfg.MQTT.Enabled = GetEnvBool("MQTT_ENABLED", cfg.MQTT.Enabled)
	cfg.MQTT.BaseTopic = strings.TrimSuffix(GetEnv("MQTT_BASE_TOPIC", cfg.MQTT.BaseTopic), "/")
	cfg.MQTT.PublishScriptOutput = GetEnvBool("MQTT_PUBLISH_SCRIPT_OUTPUT", cfg.MQTT.PublishScriptOutput)

	cfg.Pull.RetryDelay = GetEnvDurationSeconds("PULL_RETRY_SECONDS", cfg.Pull.RetryDelay, warn)
}

// GetEnv devolve a variável ou def se estiver vazia.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetEnvInt devolve o inteiro positivo em key, ou def.
func GetEnvInt(key string, def int, warn func(string)) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		if warn != nil {
			warn(fmt.Sprintf("valor inválido em %s=%q, usando default %d", key, v, def))
		}
		return def
	}
	return n
}

func GetEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetEnvDurationSeconds lê key como segundos inteiros.
func GetEnvDurationSeconds(key string, def time.Duration, warn func(string)) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		if warn != nil {
			warn(fmt.Sprintf("valor inválido em %s=%q, usando default %s", key, v, def))
		}
		return def
	}
	return time.Duration(sec) * time.Second
}

// ParseCSV separa "a, b,,c" em [a b c].
func ParseCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
