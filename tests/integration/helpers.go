package integration

import (
	"inlet/internal/config"
	"inlet/internal/logger"
	"inlet/internal/quota"
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestKafkaConfig(brokers []string) config.BrokerConfig {
	return config.BrokerConfig{
		Type: "kafka",
		Kafka: config.KafkaConfig{
			Brokers: brokers,
			GroupID: "integration-test",
		},
	}
}

func projectQuota(limitValue int64, windowSeconds int64, reason string) quota.Quota {
	return quota.Quota{
		Scope:         quota.ScopeProject,
		Limit:         &limitValue,
		WindowSeconds: windowSeconds,
		ReasonCode:    reason,
	}
}
