package config

import (
	"sync"
	"time"
)

var (
	ollamaOnce   sync.Once
	ollamaConfig *OllamaConfig
)

type OllamaConfig struct {
	Endpoint    string
	Model       string
	Temperature float64
	NumCtx      int
	Timeout     time.Duration
}

func GetOllamaConfig() *OllamaConfig {
	ollamaOnce.Do(func() {
		loadEnv()
		ollamaConfig = &OllamaConfig{
			Endpoint:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
			Model:       getEnv("OLLAMA_MODEL", "llama3.1:8b"),
			Temperature: 0,
			NumCtx:      getEnvAsInt("OLLAMA_NUM_CTX", 8192),
			Timeout:     getEnvAsDuration("OLLAMA_TIMEOUT", 120*time.Second),
		}
	})
	return ollamaConfig
}
