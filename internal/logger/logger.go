// Package logger provides the process-wide structured logger for relaybrokerd.
//
// Every component gets a child logger tagged with its own "component" field
// so log aggregation can filter by subsystem (eventlog, ptymanager, gateway,
// hookreceiver, pluginhost) without string-matching messages.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Initialize must be called once at
// startup before any component logger is derived from it.
var Log zerolog.Logger

// Initialize configures the global logger. level is a zerolog level string
// ("debug", "info", "warn", "error"); pretty switches between a console
// writer (development) and unadorned JSON (production).
func Initialize(level string, pretty bool) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "relaybrokerd").Logger()
	Log.Info().Str("level", parsed.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// EventLog returns the child logger for the EventLog component.
func EventLog() *zerolog.Logger { l := component("eventlog"); return &l }

// PTY returns the child logger for the PtyManager component.
func PTY() *zerolog.Logger { l := component("ptymanager"); return &l }

// Hook returns the child logger for the HookReceiver component.
func Hook() *zerolog.Logger { l := component("hookreceiver"); return &l }

// Gateway returns the child logger for the Gateway/WebSocket component.
func Gateway() *zerolog.Logger { l := component("gateway"); return &l }

// Plugin returns the child logger for the PluginHost component.
func Plugin() *zerolog.Logger { l := component("pluginhost"); return &l }

// Session returns the child logger for the session registry.
func Session() *zerolog.Logger { l := component("session"); return &l }
