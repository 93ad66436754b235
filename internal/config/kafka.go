package config

import (
	"github.com/jittakal/kaftraffic/internal/config/dto"
	"github.com/jittakal/kaftraffic/internal/kafka"
)

// KafkaSecurity converts the kafka section into client connection settings.
func KafkaSecurity(k dto.KafkaConfig) kafka.SecurityConfig {
	return kafka.SecurityConfig{
		BootstrapServers: k.BootstrapServers,
		SecurityProtocol: k.SecurityProtocol,
		SASLMechanism:    k.SASLMechanism,
		SASLUsername:     k.SASLUsername,
		SASLPassword:     k.SASLPassword,
		AWSRegion:        k.AWSRegion,
		TLS: kafka.TLSConfig{
			CACertFile:         k.TLS.CACertFile,
			ClientCertFile:     k.TLS.ClientCertFile,
			ClientKeyFile:      k.TLS.ClientKeyFile,
			InsecureSkipVerify: k.TLS.InsecureSkipVerify,
		},
	}
}

// KafkaConsumer converts the kafka section into tracked consumer settings.
func KafkaConsumer(cfg *dto.ApplicationConfig) kafka.ConsumerConfig {
	c := cfg.Kafka.Consumer
	return kafka.ConsumerConfig{
		Security:          KafkaSecurity(cfg.Kafka),
		Backend:           cfg.Kafka.Client,
		GroupID:           c.GroupID,
		ClientID:          cfg.Application.Name,
		Topics:            []string{cfg.Kafka.Topic},
		AutoOffsetReset:   c.AutoOffsetReset,
		MaxPollRecords:    c.MaxPollRecords,
		PollTimeout:       dto.Milliseconds(c.PollTimeoutMS),
		SessionTimeout:    dto.Milliseconds(c.SessionTimeoutMS),
		HeartbeatInterval: dto.Milliseconds(c.HeartbeatIntervalMS),
		MaxPollInterval:   dto.Milliseconds(c.MaxPollIntervalMS),
		KeepAliveInterval: dto.Milliseconds(c.KeepAliveIntervalMS),
	}.WithDefaults()
}

// KafkaProducer converts the kafka section into producer settings.
func KafkaProducer(cfg *dto.ApplicationConfig) kafka.ProducerConfig {
	p := cfg.Kafka.Producer
	return kafka.ProducerConfig{
		Security:        KafkaSecurity(cfg.Kafka),
		ClientID:        cfg.Application.Name,
		RequiredAcks:    p.RequiredAcks,
		CompressionType: p.Compression,
		MaxMessageBytes: p.MaxMessageBytes,
		Idempotent:      p.Idempotent,
		RetryMax:        p.RetryMax,
		RetryBackoff:    dto.Milliseconds(p.RetryBackoffMS),
	}
}
