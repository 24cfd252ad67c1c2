package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvVariables() {
	viper.BindEnv("mode", "INLET_MODE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("upstream.url", "UPSTREAM_URL")
	viper.BindEnv("upstream.timeout_seconds", "UPSTREAM_TIMEOUT_SECONDS")
	viper.BindEnv("upstream.signing_key", "UPSTREAM_SIGNING_KEY")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.topics.events", "BROKER_KAFKA_TOPICS_EVENTS")
	viper.BindEnv("broker.kafka.topics.transactions", "BROKER_KAFKA_TOPICS_TRANSACTIONS")
	viper.BindEnv("broker.kafka.topics.sessions", "BROKER_KAFKA_TOPICS_SESSIONS")
	viper.BindEnv("broker.kafka.topics.attachments", "BROKER_KAFKA_TOPICS_ATTACHMENTS")
	viper.BindEnv("broker.kafka.topics.metrics", "BROKER_KAFKA_TOPICS_METRICS")
	viper.BindEnv("broker.kafka.topics.outcomes", "BROKER_KAFKA_TOPICS_OUTCOMES")
	viper.BindEnv("broker.kafka.topics.invalidations", "BROKER_KAFKA_TOPICS_INVALIDATIONS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if upstreamURL := viper.GetString("UPSTREAM_URL"); upstreamURL != "" {
		cfg.Upstream.URL = upstreamURL
	}

	return nil
}
