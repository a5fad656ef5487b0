package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvPrivateKey = "LEVBOT_PRIVATE_KEY"
	EnvRPCKey     = "RPC_API_KEY"
	EnvNetwork    = "NETWORK" // mainnet, sepolia
)

// LoadEnv loads environment variables from .env file
func LoadEnv() error {
	return godotenv.Load()
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetRequiredEnv fails when key is unset. The signing key never lives
// in the config file.
func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}

// GetNetworkEndpoint resolves the RPC endpoint for the configured
// network when the config file leaves it blank.
func GetNetworkEndpoint() (string, error) {
	network := GetEnvWithDefault(EnvNetwork, "mainnet")
	apiKey, err := GetRequiredEnv(EnvRPCKey)
	if err != nil {
		return "", err
	}

	switch network {
	case "mainnet":
		return fmt.Sprintf("https://mainnet.infura.io/v3/%s", apiKey), nil
	case "sepolia":
		return fmt.Sprintf("https://sepolia.infura.io/v3/%s", apiKey), nil
	default:
		return "", fmt.Errorf("unsupported network: %s", network)
	}
}
