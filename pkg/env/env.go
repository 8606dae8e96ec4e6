// Package env loads process configuration from .env files and the OS
// environment, ahead of the flag/viper layer each command's main
// applies on top.
package env

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads a .env file from the working directory if one is
// present. Its absence is normal (production deployments set real
// env vars directly) so it's logged at debug, not warn.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file found, using system environment")
	}
}

// GetEnv returns the named environment variable, or fallback if unset.
func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
