package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Vector    VectorConfig
	Providers ProvidersConfig
	Ingestion IngestionConfig
	QA        QAConfig
	Summarize SummarizeConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type VectorConfig struct {
	// Backend selects the index implementation: "memory" or "milvus".
	Backend        string
	Endpoint       string
	CollectionName string
}

type ProvidersConfig struct {
	OpenAI OpenAIConfig
	Ollama OllamaConfig
	// Preference lists provider names in fallback order.
	Preference        []string
	AttemptTimeoutSec int
	ChainTimeoutSec   int
	HealthIntervalSec int
}

type OpenAIConfig struct {
	Enabled        bool
	APIKey         string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
	Priority       int
}

type OllamaConfig struct {
	Enabled        bool
	Host           string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Priority       int
}

type IngestionConfig struct {
	MaxChunkChars    int
	OverlapChars     int
	EmbedBatchSize   int
	MaxUploadWorkers int
}

type QAConfig struct {
	DefaultTopK        int
	ContextCharBudget  int
	BatchWorkers       int
}

type SummarizeConfig struct {
	SinglePassThreshold int
	MapChunkChars       int
	BatchWorkers        int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/docqa")

	viper.SetEnvPrefix("DOCQA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 120)
	viper.SetDefault("server.bodyLimit", 26214400)

	viper.SetDefault("sqlite.path", "./data/docqa.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 86400)

	viper.SetDefault("vector.backend", "memory")
	viper.SetDefault("vector.endpoint", "localhost:19530")
	viper.SetDefault("vector.collectionName", "doc_chunks")

	viper.SetDefault("providers.openai.enabled", true)
	viper.SetDefault("providers.openai.model", "gpt-4o-mini")
	viper.SetDefault("providers.openai.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("providers.openai.embeddingDim", 1536)
	viper.SetDefault("providers.openai.temperature", 0.2)
	viper.SetDefault("providers.openai.maxTokens", 1024)
	viper.SetDefault("providers.openai.priority", 1)

	viper.SetDefault("providers.ollama.enabled", true)
	viper.SetDefault("providers.ollama.host", "http://localhost:11434")
	viper.SetDefault("providers.ollama.model", "llama3.1:8b")
	viper.SetDefault("providers.ollama.embeddingModel", "nomic-embed-text")
	viper.SetDefault("providers.ollama.embeddingDim", 768)
	viper.SetDefault("providers.ollama.priority", 0)

	viper.SetDefault("providers.preference", []string{"ollama", "openai"})
	viper.SetDefault("providers.attemptTimeoutSec", 60)
	viper.SetDefault("providers.chainTimeoutSec", 180)
	viper.SetDefault("providers.healthIntervalSec", 60)

	viper.SetDefault("ingestion.maxChunkChars", 2000)
	viper.SetDefault("ingestion.overlapChars", 200)
	viper.SetDefault("ingestion.embedBatchSize", 64)
	viper.SetDefault("ingestion.maxUploadWorkers", 4)

	viper.SetDefault("qa.defaultTopK", 5)
	viper.SetDefault("qa.contextCharBudget", 8000)
	viper.SetDefault("qa.batchWorkers", 4)

	viper.SetDefault("summarize.singlePassThreshold", 6000)
	viper.SetDefault("summarize.mapChunkChars", 4000)
	viper.SetDefault("summarize.batchWorkers", 4)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
