// Package config reads the worker configuration from the environment.
// A .env file in the working directory is honored when present; every
// connection variable is required and its absence is a startup error.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// RabbitMQ holds the broker connection settings.
type RabbitMQ struct {
	Host     string
	Port     int
	Username string
	Password string
}

// URL renders the settings as an AMQP connection URL.
func (r RabbitMQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.Username, r.Password, r.Host, r.Port)
}

// Elasticsearch holds the search-engine connection settings.
type Elasticsearch struct {
	URL      string
	Username string
	Password string
}

// Config is the full worker configuration.
type Config struct {
	RabbitMQ      RabbitMQ
	Elasticsearch Elasticsearch
	LogLevel      string
}

// Load reads configuration from the environment, loading .env first if one
// exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	host, err := required("RABBITMQ_HOST")
	if err != nil {
		return nil, err
	}
	portStr, err := required("RABBITMQ_PORT")
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("can't parse RABBITMQ_PORT %q", portStr)
	}
	username, err := required("RABBITMQ_USERNAME")
	if err != nil {
		return nil, err
	}
	password, err := required("RABBITMQ_PASSWORD")
	if err != nil {
		return nil, err
	}
	esURL, err := required("ELASTICSEARCH_URL")
	if err != nil {
		return nil, err
	}
	esUsername, err := required("ELASTICSEARCH_USERNAME")
	if err != nil {
		return nil, err
	}
	esPassword, err := required("ELASTICSEARCH_PASSWORD")
	if err != nil {
		return nil, err
	}

	return &Config{
		RabbitMQ: RabbitMQ{
			Host:     host,
			Port:     port,
			Username: username,
			Password: password,
		},
		Elasticsearch: Elasticsearch{
			URL:      esURL,
			Username: esUsername,
			Password: esPassword,
		},
		LogLevel: os.Getenv("LOG_LEVEL"),
	}, nil
}

func required(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s environment variable is not set", key)
	}
	return val, nil
}
