// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Seed          SeedConfig          `mapstructure:"seed"`
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
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储身份提供方签发的 token 的校验参数。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	// PublicBaseURL 是播放地址的前缀，为空时使用 endpoint 拼接。
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// UploadConfig 存储上传协议相关的限制与周期。
type UploadConfig struct {
	MaxPayloadBytes   int64         `mapstructure:"max_payload_bytes"`
	ChunkSizeBytes    int64         `mapstructure:"chunk_size_bytes"`
	MaxChunkBytes     int64         `mapstructure:"max_chunk_bytes"`
	MaxTotalChunks    int           `mapstructure:"max_total_chunks"`
	SessionMaxAge     time.Duration `mapstructure:"session_max_age"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	FinalizeLockTTL   time.Duration `mapstructure:"finalize_lock_ttl"`
	LiveReorderWindow int           `mapstructure:"live_reorder_window"`
	SessionBackend    string        `mapstructure:"session_backend"` // memory | redis
	StagingBackend    string        `mapstructure:"staging_backend"` // disk | minio
	StagingDir        string        `mapstructure:"staging_dir"`
}

// SeedConfig 控制启动时从本地目录导入录像。
type SeedConfig struct {
	Dir          string `mapstructure:"dir"`
	OwnerSubject string `mapstructure:"owner_subject"`
}

// setDefaults 注册所有配置项的默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "video-processing")
	v.SetDefault("kafka.group_id", "screenforge-enrichment")
	v.SetDefault("elasticsearch.index_name", "videos")
	v.SetDefault("minio.bucket_name", "screenforge")

	v.SetDefault("upload.max_payload_bytes", int64(500*1024*1024))
	v.SetDefault("upload.chunk_size_bytes", int64(5*1024*1024))
	v.SetDefault("upload.max_chunk_bytes", int64(10*1024*1024))
	v.SetDefault("upload.max_total_chunks", 10000)
	v.SetDefault("upload.session_max_age", 24*time.Hour)
	v.SetDefault("upload.sweep_interval", time.Hour)
	v.SetDefault("upload.finalize_lock_ttl", 10*time.Minute)
	v.SetDefault("upload.live_reorder_window", 32)
	v.SetDefault("upload.session_backend", "memory")
	v.SetDefault("upload.staging_backend", "disk")
	v.SetDefault("upload.staging_dir", "./uploads/temp")

	v.SetDefault("seed.dir", "initvideos")
	v.SetDefault("seed.owner_subject", "seed")
}

// Load 从指定路径读取 YAML 配置，环境变量 SCREENFORGE_<SECTION>_<KEY> 会覆盖文件中的值。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("screenforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Upload.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init 初始化配置加载，失败时直接 panic，仅用于进程启动阶段。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// Validate 检查上传配置的一致性。
func (u UploadConfig) Validate() error {
	switch {
	case u.MaxPayloadBytes <= 0:
		return fmt.Errorf("upload.max_payload_bytes must be positive")
	case u.ChunkSizeBytes <= 0:
		return fmt.Errorf("upload.chunk_size_bytes must be positive")
	case u.MaxChunkBytes < u.ChunkSizeBytes:
		return fmt.Errorf("upload.max_chunk_bytes (%d) must not be smaller than upload.chunk_size_bytes (%d)", u.MaxChunkBytes, u.ChunkSizeBytes)
	case u.MaxTotalChunks <= 0:
		return fmt.Errorf("upload.max_total_chunks must be positive")
	case u.SessionMaxAge <= 0 || u.SweepInterval <= 0:
		return fmt.Errorf("upload.session_max_age and upload.sweep_interval must be positive")
	}
	switch u.SessionBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown upload.session_backend %q", u.SessionBackend)
	}
	switch u.StagingBackend {
	case "disk", "minio":
	default:
		return fmt.Errorf("unknown upload.staging_backend %q", u.StagingBackend)
	}
	return nil
}
