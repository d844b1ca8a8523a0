// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File enables rotated file output in addition to stderr.
	File string
}

var rotator *lumberjack.Logger

// Setup applies opts to the standard logger and routes gin's output through it.
func Setup(opts Options) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	SetLevel(opts.Level)

	var out io.Writer = os.Stderr
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	log.SetOutput(out)

	gin.DefaultWriter = log.StandardLogger().WriterLevel(log.InfoLevel)
	gin.DefaultErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
}

// SetLevel changes the level at runtime. Unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		if level != "" {
			log.Warnf("logging: unknown level %q, using info", level)
		}
		lvl = log.InfoLevel
	}
	if lvl != log.GetLevel() {
		log.SetLevel(lvl)
		log.Infof("logging: level set to %s", lvl)
	}
}

// Close flushes the rotated log file, if any.
func Close() error {
	if rotator == nil {
		return nil
	}
	return rotator.Close()
}
