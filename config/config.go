package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
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

	// PostgreSQL (identity store)
	DatabaseDriver              string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                string        `env:"DB_HOST" env-default:""`
	DatabasePort                string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName            string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword            string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode             string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns        int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns        int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime     time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`

	// Graph Database (Memgraph / Neo4j bolt)
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Kafka Consumer (reference ingestion)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaReferencesTopic string   `env:"KAFKA_REFERENCES_TOPIC" env-default:"identity-references"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka Producer (lifecycle events)
	KafkaEventsTopic  string `env:"KAFKA_EVENTS_TOPIC" env-default:"identity-events"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// OpenAI (embeddings + semantic oracle)
	OpenAIAPIKey         string        `env:"OPENAI_API_KEY" env-default:""`
	OpenAIEmbeddingModel string        `env:"OPENAI_EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	OpenAIOracleModel    string        `env:"OPENAI_ORACLE_MODEL" env-default:"gpt-4o-mini"`
	OpenAIOracleTimeout  time.Duration `env:"OPENAI_ORACLE_TIMEOUT" env-default:"5s"`

	// Matching & merge policy
	AutoMergeEnabled   bool    `env:"AUTO_MERGE_ENABLED" env-default:"true"`
	AutoMergeThreshold float64 `env:"AUTO_MERGE_THRESHOLD" env-default:"0.92"`
	ReviewThreshold    float64 `env:"REVIEW_THRESHOLD" env-default:"0.75"`
	MaxEditDistance    int     `env:"MAX_EDIT_DISTANCE" env-default:"3"`
	MaxMatchCandidates int     `env:"MAX_MATCH_CANDIDATES" env-default:"500"`
	OracleBand         float64 `env:"ORACLE_BAND" env-default:"0.03"`

	// Batch deduplication
	DedupSchedulerEnabled bool          `env:"DEDUP_SCHEDULER_ENABLED" env-default:"true"`
	DedupInterval         time.Duration `env:"DEDUP_INTERVAL" env-default:"1h"`
	DedupLeaseDuration    time.Duration `env:"DEDUP_LEASE_DURATION" env-default:"10m"`
	DedupTopK             int           `env:"DEDUP_TOP_K" env-default:"10"`
	DedupMinScore         float64       `env:"DEDUP_MIN_SCORE" env-default:"0"`
	DedupEmbedBatchSize   int           `env:"DEDUP_EMBED_BATCH_SIZE" env-default:"100"`
	DedupDryRun           bool          `env:"DEDUP_DRY_RUN" env-default:"false"`
}
