// Package mainboilerplate contains shared boilerplate of claimsink programs:
// configuration parsing, logging, and diagnostics.
package mainboilerplate

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	Caller bool   `long:"caller" env:"CALLER" description:"Annotate log events with their calling function"`
}

// InitLog configures the standard logger. Events go to stderr, leaving
// stdout to command output such as `status` tables.
func InitLog(cfg LogConfig) {
	if err := configureLogger(log.StandardLogger(), os.Stderr, cfg); err != nil {
		log.WithField("err", err).Fatal("invalid log configuration")
	}
	log.WithFields(log.Fields{
		"level":  cfg.Level,
		"format": cfg.Format,
	}).Debug("initialized logging")
}

func configureLogger(l *log.Logger, out io.Writer, cfg LogConfig) error {
	var lvl, err = log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.WithMessage(err, "level")
	}

	switch cfg.Format {
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	case "color":
		l.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "text", "":
		l.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	default:
		return errors.Errorf("unknown format %q", cfg.Format)
	}
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetReportCaller(cfg.Caller)
	return nil
}
