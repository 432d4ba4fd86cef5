// Package logutil configures the process-wide logger used by every
// component.
package logutil

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

// Configure sets the global log level and output format. An empty
// level means info.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetTimeFormat(time.RFC3339)
	log.SetReportTimestamp(true)
	return nil
}
