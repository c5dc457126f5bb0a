package config

import (
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"foxglove-api"`
	Port                          int      `env:"PORT" env-default:"3004"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL (identifier records, canonical entities, audit log)
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"foxglove"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseReconnectRetryCount   int           `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Graph Database (Memgraph) - published master entity mappings
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`
	GraphDBEnabled  bool   `env:"GRAPH_DB_ENABLED" env-default:"false"`

	// Kafka Consumer (identifier record ingestion)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" env-default:"identifier-records"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"foxglove-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka Producer (resolution events)
	KafkaOutputTopic  string `env:"KAFKA_OUTPUT_TOPIC" env-default:"resolution-events"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Resolution
	ResolutionShards     int      `env:"RESOLUTION_SHARDS" env-default:"8"`
	MergeThreshold       float64  `env:"MERGE_THRESHOLD" env-default:"0.75"`
	FuzzyMinSimilarity   float64  `env:"FUZZY_MIN_SIMILARITY" env-default:"0.3"`
	FuzzyMaxCandidates   int      `env:"FUZZY_MAX_CANDIDATES" env-default:"5"`
	CorroborationBonus   float64  `env:"CORROBORATION_BONUS" env-default:"0.02"`
	SourceReliability    []string `env:"SOURCE_RELIABILITY" env-default:""` // "source=0.9" pairs
	VerifyAuditOnStartup bool     `env:"VERIFY_AUDIT_ON_STARTUP" env-default:"true"`

	// Tracing
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:""`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`

	// Inference
	InferenceMaxDepth    int           `env:"INFERENCE_MAX_DEPTH" env-default:"3"`
	InferenceFanOutCap   int           `env:"INFERENCE_FAN_OUT_CAP" env-default:"64"`
	InferenceStartBudget time.Duration `env:"INFERENCE_START_BUDGET" env-default:"5s"`
}

// SourceReliabilityMap parses the SOURCE_RELIABILITY pairs into a map.
// Malformed pairs are ignored; unknown sources default to full reliability.
func (c *Config) SourceReliabilityMap() map[string]float64 {
	out := make(map[string]float64, len(c.SourceReliability))
	for _, pair := range c.SourceReliability {
		source, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		weight, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if weight > 0 && weight <= 1 {
			out[strings.TrimSpace(source)] = weight
		}
	}
	return out
}
