package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logg *logrus.Logger

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetOutput(os.Stdout)
	logg.SetLevel(logrus.InfoLevel)
	if os.Getenv("LOG_LEVEL") != "" {
		if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
			logg.SetLevel(level)
		}
	}
}
