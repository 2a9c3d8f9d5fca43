package config

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the standard logrus logger.
// level is any level logrus knows, format is either text or json.
func SetupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}

	switch format {
	case "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format: %v", format)
	}

	log.SetLevel(lvl)
	return nil
}
