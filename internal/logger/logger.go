// Package logger configures the process-wide logrus logger.
package logger

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init sets level and formatter on the standard logrus logger.
// format: json or text
func Init(level, format string) error {
	lvl := strings.TrimSpace(level)
	if lvl == "" {
		lvl = "info"
	}
	parsed, errParse := log.ParseLevel(lvl)
	if errParse != nil {
		return fmt.Errorf("parse log level %q: %w", level, errParse)
	}

	log.SetOutput(os.Stdout)
	log.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}
