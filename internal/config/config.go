package config

import (
	"strings"
	"time"

	"github.com/ignatij/meetflow/pkg/pipeline"
	"github.com/ignatij/meetflow/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MEETFLOW_LLM_MODEL.
const EnvPrefix = "MEETFLOW"

type Service struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Services struct {
	Preprocess  Service `mapstructure:"preprocess"`
	Diarization Service `mapstructure:"diarization"`
	ASR         Service `mapstructure:"asr"`
	Emotion     Service `mapstructure:"emotion"`
	Memory      Service `mapstructure:"memory"`
}

type LLM struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Embeddings struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type Audio struct {
	MinDuration time.Duration `mapstructure:"min_duration"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	Formats     []string      `mapstructure:"formats"`
}

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		// URL is a PostgreSQL connection string. Empty keeps everything in memory.
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Orchestrator struct {
		MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
		QueueSize          int           `mapstructure:"queue_size"`
		TaskRetention      time.Duration `mapstructure:"task_retention"`
		JanitorInterval    time.Duration `mapstructure:"janitor_interval"`
		Revision           string        `mapstructure:"revision"`
	} `mapstructure:"orchestrator"`
	Stages struct {
		Weights      map[string]int `mapstructure:"weights"`
		Timeout      time.Duration  `mapstructure:"timeout"`
		Retries      int            `mapstructure:"retries"`
		RetryBackoff time.Duration  `mapstructure:"retry_backoff"`
	} `mapstructure:"stages"`
	Agents struct {
		Timeout      time.Duration `mapstructure:"timeout"`
		Retries      int           `mapstructure:"retries"`
		RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	} `mapstructure:"agents"`
	Cache struct {
		Size int           `mapstructure:"size"`
		TTL  time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`
	Context struct {
		TopK     int           `mapstructure:"top_k"`
		MinScore float64       `mapstructure:"min_score"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"context"`
	Audio      Audio      `mapstructure:"audio"`
	Services   Services   `mapstructure:"services"`
	LLM        LLM        `mapstructure:"llm"`
	Embeddings Embeddings `mapstructure:"embeddings"`

	settings map[string]interface{}
}

func setDefaults(v *viper.Viper) {
	def := service.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")

	v.SetDefault("orchestrator.max_concurrent_tasks", def.MaxConcurrentTasks)
	v.SetDefault("orchestrator.queue_size", def.QueueSize)
	v.SetDefault("orchestrator.task_retention", def.TaskRetention.String())
	v.SetDefault("orchestrator.janitor_interval", def.JanitorInterval.String())
	v.SetDefault("orchestrator.revision", def.Revision)

	v.SetDefault("stages.weights", pipeline.DefaultWeights())
	v.SetDefault("stages.timeout", def.StageTimeout.String())
	v.SetDefault("stages.retries", def.StageRetries)
	v.SetDefault("stages.retry_backoff", def.StageRetryBackoff.String())

	v.SetDefault("agents.timeout", def.AgentTimeout.String())
	v.SetDefault("agents.retries", def.AgentRetries)
	v.SetDefault("agents.retry_backoff", def.AgentRetryBackoff.String())

	v.SetDefault("cache.size", def.CacheSize)
	v.SetDefault("cache.ttl", def.CacheTTL.String())
	v.SetDefault("context.top_k", def.ContextTopK)
	v.SetDefault("context.min_score", def.ContextMinScore)
	v.SetDefault("context.timeout", def.ContextTimeout.String())

	v.SetDefault("audio.min_duration", "1s")
	v.SetDefault("audio.max_duration", "120m")
	v.SetDefault("audio.formats", []string{"wav", "mp3", "m4a", "flac", "ogg"})

	for _, name := range []string{"preprocess", "diarization", "asr", "emotion", "memory"} {
		v.SetDefault("services."+name+".url", "")
		v.SetDefault("services."+name+".timeout", "5m")
	}
	v.SetDefault("services.emotion.timeout", "30s")
	v.SetDefault("services.memory.timeout", "30s")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", "2m")

	v.SetDefault("embeddings.base_url", "")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.api_key", "")
}

// Load reads configuration from defaults, an optional YAML file, a .env
// file and MEETFLOW_* environment variables, later sources winning. With an
// empty path meetflow.yaml is looked up in the working directory and in
// ./config, and its absence is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the LLM key is commonly provided without the prefix
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	} else {
		v.SetConfigName("meetflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "failed to read config")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if cfg.Embeddings.APIKey == "" {
		cfg.Embeddings.APIKey = cfg.LLM.APIKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.settings = v.AllSettings()
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentTasks < 0 {
		return errors.New("orchestrator.max_concurrent_tasks must not be negative")
	}
	if c.Orchestrator.QueueSize < 1 {
		return errors.New("orchestrator.queue_size must be at least 1")
	}
	if c.Stages.Retries < 0 || c.Agents.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	total := 0
	for name, w := range c.Stages.Weights {
		if w < 0 {
			return errors.Errorf("stages.weights.%s must not be negative", name)
		}
		total += w
	}
	if total != 100 {
		return errors.Errorf("stages.weights sum to %d, want 100", total)
	}
	if c.Audio.MinDuration <= 0 || c.Audio.MaxDuration < c.Audio.MinDuration {
		return errors.Errorf("invalid audio duration limits %s..%s", c.Audio.MinDuration, c.Audio.MaxDuration)
	}
	if c.Context.MinScore < 0 || c.Context.MinScore > 1 {
		return errors.Errorf("context.min_score must be within 0-1, got %v", c.Context.MinScore)
	}
	return nil
}

// ServiceConfig maps the file layout onto the orchestrator configuration.
func (c *Config) ServiceConfig() service.Config {
	cfg := service.DefaultConfig()
	cfg.MaxConcurrentTasks = c.Orchestrator.MaxConcurrentTasks
	cfg.QueueSize = c.Orchestrator.QueueSize
	cfg.TaskRetention = c.Orchestrator.TaskRetention
	cfg.JanitorInterval = c.Orchestrator.JanitorInterval
	cfg.Revision = c.Orchestrator.Revision
	cfg.StageWeights = c.Stages.Weights
	cfg.StageTimeout = c.Stages.Timeout
	cfg.StageRetries = c.Stages.Retries
	cfg.StageRetryBackoff = c.Stages.RetryBackoff
	cfg.AgentTimeout = c.Agents.Timeout
	cfg.AgentRetries = c.Agents.Retries
	cfg.AgentRetryBackoff = c.Agents.RetryBackoff
	cfg.CacheSize = c.Cache.Size
	cfg.CacheTTL = c.Cache.TTL
	cfg.ContextTopK = c.Context.TopK
	cfg.ContextMinScore = c.Context.MinScore
	cfg.ContextTimeout = c.Context.Timeout
	return cfg
}

// YAML renders the effective settings with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		settings = map[string]interface{}{}
	}
	masked := maskSecrets(settings)
	out, err := yaml.Marshal(masked)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config")
	}
	return out, nil
}

func maskSecrets(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = maskSecrets(val)
		case string:
			if val != "" && (k == "api_key" || (k == "url" && strings.Contains(val, "@"))) {
				out[k] = "********"
			} else {
				out[k] = val
			}
		default:
			out[k] = val
		}
	}
	return out
}
