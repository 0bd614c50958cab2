package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Server      ServerConfig    `yaml:"server"`
	Converter   ConverterConfig `yaml:"converter"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type ServerConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	UploadDir      string `yaml:"upload_dir"`
	OutputDir      string `yaml:"output_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MaxTextLength  int    `yaml:"max_text_length"`
}

type ConverterConfig struct {
	ChunkSize         int      `yaml:"chunk_size"`
	InterChunkDelayMS int      `yaml:"inter_chunk_delay_ms"`
	MaxRetries        int      `yaml:"max_retries"`
	RetryBaseDelayMS  int      `yaml:"retry_base_delay_ms"`
	TimeoutMS         int      `yaml:"timeout_ms"`
	Languages         []string `yaml:"languages"`
	DefaultLanguage   string   `yaml:"default_language"`
}

type SynthesisConfig struct {
	Backend           string `yaml:"backend"` // googletrans, exec, mock
	Endpoint          string `yaml:"endpoint"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	RequestTimeoutMS  int    `yaml:"request_timeout_ms"`
	Command           string `yaml:"command"`
}

type JobStoreConfig struct {
	Path            string `yaml:"path"`
	RetentionDays   int    `yaml:"retention_days"`
	MaxJobs         int    `yaml:"max_jobs"`
	PruneIntervalMS int    `yaml:"prune_interval_ms"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "narro-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Server: ServerConfig{
			Bind:           "0.0.0.0",
			Port:           8085,
			UploadDir:      "./data/uploads",
			OutputDir:      "./data/outputs",
			MaxUploadBytes: 10 * 1024 * 1024,
			MaxTextLength:  30000,
		},
		Converter: ConverterConfig{
			ChunkSize:         1000,
			InterChunkDelayMS: 2000,
			MaxRetries:        3,
			RetryBaseDelayMS:  2000,
			TimeoutMS:         900000,
			Languages:         []string{"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh"},
			DefaultLanguage:   "en",
		},
		Synthesis: SynthesisConfig{
			Backend:           "googletrans",
			Endpoint:          "https://translate.google.com/translate_tts",
			RequestsPerMinute: 20,
			RequestTimeoutMS:  30000,
		},
		JobStore: JobStoreConfig{
			Path:            "./data/narro-jobs.db",
			RetentionDays:   30,
			MaxJobs:         10000,
			PruneIntervalMS: 3600000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "NARRO_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRO_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "NARRO_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Server.Bind, "NARRO_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "NARRO_SERVER_PORT")
	overrideString(&cfg.Server.UploadDir, "NARRO_SERVER_UPLOAD_DIR")
	overrideString(&cfg.Server.OutputDir, "NARRO_SERVER_OUTPUT_DIR")
	overrideInt64(&cfg.Server.MaxUploadBytes, "NARRO_SERVER_MAX_UPLOAD_BYTES")
	overrideInt(&cfg.Server.MaxTextLength, "NARRO_SERVER_MAX_TEXT_LENGTH")
	overrideInt(&cfg.Converter.ChunkSize, "NARRO_CONVERTER_CHUNK_SIZE")
	overrideInt(&cfg.Converter.InterChunkDelayMS, "NARRO_CONVERTER_INTER_CHUNK_DELAY_MS")
	overrideInt(&cfg.Converter.MaxRetries, "NARRO_CONVERTER_MAX_RETRIES")
	overrideInt(&cfg.Converter.RetryBaseDelayMS, "NARRO_CONVERTER_RETRY_BASE_DELAY_MS")
	overrideInt(&cfg.Converter.TimeoutMS, "NARRO_CONVERTER_TIMEOUT_MS")
	overrideStringSlice(&cfg.Converter.Languages, "NARRO_CONVERTER_LANGUAGES")
	overrideString(&cfg.Converter.DefaultLanguage, "NARRO_CONVERTER_DEFAULT_LANGUAGE")
	overrideString(&cfg.Synthesis.Backend, "NARRO_SYNTHESIS_BACKEND")
	overrideString(&cfg.Synthesis.Endpoint, "NARRO_SYNTHESIS_ENDPOINT")
	overrideInt(&cfg.Synthesis.RequestsPerMinute, "NARRO_SYNTHESIS_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Synthesis.RequestTimeoutMS, "NARRO_SYNTHESIS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.Command, "NARRO_SYNTHESIS_COMMAND")
	overrideString(&cfg.JobStore.Path, "NARRO_JOB_STORE_PATH")
	overrideInt(&cfg.JobStore.RetentionDays, "NARRO_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "NARRO_JOB_STORE_MAX_JOBS")
	overrideInt(&cfg.JobStore.PruneIntervalMS, "NARRO_JOB_STORE_PRUNE_INTERVAL_MS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "NARRO_JOB_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else {
			if len(cfg.Bus.Servers) == 0 {
				return errors.New("bus.servers must not be empty when embedded mode is disabled")
			}
		}
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Server.Port == cfg.HTTP.Port {
		return errors.New("server.port must differ from http.port")
	}
	if cfg.Server.UploadDir == "" {
		return errors.New("server.upload_dir must not be empty")
	}
	if cfg.Server.OutputDir == "" {
		return errors.New("server.output_dir must not be empty")
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}
	if cfg.Server.MaxTextLength <= 0 {
		return errors.New("server.max_text_length must be positive")
	}
	if cfg.Converter.ChunkSize <= 0 {
		return errors.New("converter.chunk_size must be positive")
	}
	if cfg.Converter.InterChunkDelayMS < 0 {
		return errors.New("converter.inter_chunk_delay_ms must be >= 0")
	}
	if cfg.Converter.MaxRetries <= 0 {
		return errors.New("converter.max_retries must be >= 1")
	}
	if cfg.Converter.RetryBaseDelayMS < 0 {
		return errors.New("converter.retry_base_delay_ms must be >= 0")
	}
	if cfg.Converter.TimeoutMS <= 0 {
		return errors.New("converter.timeout_ms must be positive")
	}
	if len(cfg.Converter.Languages) == 0 {
		return errors.New("converter.languages must not be empty")
	}
	if cfg.Converter.DefaultLanguage == "" {
		return errors.New("converter.default_language must not be empty")
	}
	defaultSupported := false
	for _, lang := range cfg.Converter.Languages {
		if lang == cfg.Converter.DefaultLanguage {
			defaultSupported = true
			break
		}
	}
	if !defaultSupported {
		return errors.New("converter.default_language must be listed in converter.languages")
	}
	switch cfg.Synthesis.Backend {
	case "googletrans":
		if cfg.Synthesis.Endpoint == "" {
			return errors.New("synthesis.endpoint must be set when backend=googletrans")
		}
		if cfg.Synthesis.RequestsPerMinute <= 0 {
			return errors.New("synthesis.requests_per_minute must be positive")
		}
	case "exec":
		if cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when backend=exec")
		}
	case "mock":
	default:
		return errors.New("synthesis.backend must be one of googletrans|exec|mock")
	}
	if cfg.Synthesis.RequestTimeoutMS <= 0 {
		return errors.New("synthesis.request_timeout_ms must be positive")
	}
	if cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.JobStore.PruneIntervalMS <= 0 {
		return errors.New("job_store.prune_interval_ms must be positive")
	}
	return nil
}
