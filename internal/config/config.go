// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Upload        UploadConfig        `mapstructure:"upload"`
	OCR           OCRConfig           `mapstructure:"ocr"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	Search        SearchConfig        `mapstructure:"search"`
	Rerank        RerankConfig        `mapstructure:"rerank"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MySQLConfig 存储 MySQL 数据库的配置，用于处理任务台账。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MongoConfig 存储文档元数据与分块集合所在的 MongoDB 配置。
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// QueueConfig 选择后台处理任务的投递方式："kafka" 或 "memory"。
type QueueConfig struct {
	Driver  string `mapstructure:"driver"`
	Workers int    `mapstructure:"workers"`
	Buffer  int    `mapstructure:"buffer"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。为空时不注册 Tika 提取器。
type TikaConfig struct {
	ServerURL      string `mapstructure:"server_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses   string `mapstructure:"addresses"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	IndexPrefix string `mapstructure:"index_prefix"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// UploadConfig 存储上传校验相关的配置。
type UploadConfig struct {
	MaxFileSizeMB int `mapstructure:"max_file_size_mb"`
}

// OCRConfig 存储 OCR 提供方配置。Provider 可选 "tesseract"、"vision"、"none"。
type OCRConfig struct {
	Provider        string `mapstructure:"provider"`
	Language        string `mapstructure:"language"`
	VisionAPIKey    string `mapstructure:"vision_api_key"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// ChunkingConfig 存储默认分块参数，可被单次上传覆盖。
type ChunkingConfig struct {
	Strategy     string `mapstructure:"strategy"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
	MinChunkSize int    `mapstructure:"min_chunk_size"`
	MaxChunkSize int    `mapstructure:"max_chunk_size"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。Provider 可选 "openai"、"cohere"、"local"。
type EmbeddingConfig struct {
	Provider            string `mapstructure:"provider"`
	APIKey              string `mapstructure:"api_key"`
	BaseURL             string `mapstructure:"base_url"`
	Model               string `mapstructure:"model"`
	Dimensions          int    `mapstructure:"dimensions"`
	BatchSize           int    `mapstructure:"batch_size"`
	Normalize           bool   `mapstructure:"normalize"`
	QueryCacheTTLMinute int    `mapstructure:"query_cache_ttl_minutes"`
}

// VectorStoreConfig 选择向量存储后端："mongo"、"elasticsearch" 或 "memory"。
type VectorStoreConfig struct {
	Backend                string `mapstructure:"backend"`
	VectorIndex            string `mapstructure:"vector_index"`
	NumCandidates          int    `mapstructure:"num_candidates"`
	FallbackCandidateLimit int    `mapstructure:"fallback_candidate_limit"`
}

// SearchConfig 存储检索默认值。
type SearchConfig struct {
	DefaultMode  string `mapstructure:"default_mode"`
	DefaultLimit int    `mapstructure:"default_limit"`
	MaxLimit     int    `mapstructure:"max_limit"`
	// SemanticMinScore 为 nil 时使用 0.5，显式配置的 0 保持不变
	SemanticMinScore *float64 `mapstructure:"semantic_min_score"`
	RRFK             int      `mapstructure:"rrf_k"`
	CandidateDepth   int      `mapstructure:"candidate_depth"`
}

// RerankConfig 存储重排序配置。Provider 为空或 "none" 时不做重排。
type RerankConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongo.database", "abroad_docs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("queue.driver", "kafka")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.buffer", 64)
	v.SetDefault("kafka.topic", "document-processing")
	v.SetDefault("kafka.group_id", "abroad-docs-processor")
	v.SetDefault("tika.timeout_seconds", 120)
	v.SetDefault("elasticsearch.index_prefix", "chunks")
	v.SetDefault("minio.bucket_name", "documents")
	v.SetDefault("upload.max_file_size_mb", 20)
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("chunking.strategy", "recursive")
	v.SetDefault("chunking.chunk_size", 1000)
	v.SetDefault("chunking.chunk_overlap", 200)
	v.SetDefault("chunking.min_chunk_size", 100)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.normalize", true)
	v.SetDefault("embedding.query_cache_ttl_minutes", 1440)
	v.SetDefault("vector_store.backend", "mongo")
	v.SetDefault("vector_store.vector_index", "vector_index")
	v.SetDefault("vector_store.num_candidates", 200)
	v.SetDefault("vector_store.fallback_candidate_limit", 5000)
	v.SetDefault("search.default_mode", "hybrid")
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.max_limit", 100)
	v.SetDefault("search.semantic_min_score", 0.5)
	v.SetDefault("search.rrf_k", 60)
	v.SetDefault("search.candidate_depth", 50)
	v.SetDefault("rerank.provider", "none")
	v.SetDefault("rerank.base_url", "https://api.cohere.ai")
	v.SetDefault("rerank.model", "rerank-english-v3.0")

	// 敏感项默认留空，仅为让 AutomaticEnv 在 Unmarshal 时能识别这些键。
	for _, key := range []string{
		"jwt.secret", "database.mysql.dsn", "database.redis.addr", "database.redis.password",
		"kafka.brokers", "tika.server_url", "elasticsearch.addresses", "elasticsearch.username",
		"elasticsearch.password", "minio.endpoint", "minio.access_key_id", "minio.secret_access_key",
		"embedding.api_key", "embedding.base_url", "ocr.vision_api_key", "ocr.credentials_file", "rerank.api_key",
	} {
		v.SetDefault(key, "")
	}
}

// Load 从指定路径读取 YAML 配置，环境变量 ABROAD_<SECTION>_<KEY> 可覆盖文件中的值。
// 配置文件不存在时仅使用默认值与环境变量。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ABROAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		_, statErr := os.Stat(configPath)
		switch {
		case statErr == nil:
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		case !errors.Is(statErr, fs.ErrNotExist):
			return nil, fmt.Errorf("读取配置文件失败: %w", statErr)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if conf.Chunking.MaxChunkSize <= 0 {
		conf.Chunking.MaxChunkSize = conf.Chunking.ChunkSize
	}
	return &conf, nil
}
