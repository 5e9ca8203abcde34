package logging

import (
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig represents logging configuration (matching the YAML structure
// of pkg/config.LoggingConfig, kept separate so this package has no
// dependency on pkg/config).
type LogConfig struct {
	Level         string
	EnableConsole bool
	EnableFile    bool
	LogFile       string
	BufferSize    int
}

// InitializeFromConfig initializes the global logger from configuration.
func InitializeFromConfig(nodeID string, logConfig LogConfig) (*Logger, error) {
	config := Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logConfig.LogFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	}

	logger := NewLogger(config)
	SetGlobalLogger(logger)

	return logger, nil
}

// ComponentNames for structured logging.
const (
	ComponentServer = "server"
	ComponentEngine = "engine"
	ComponentAOF    = "aof"
	ComponentFilter = "filter"
	ComponentConfig = "config"
	ComponentMain   = "main"
)

// ActionNames for structured logging.
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionPersist    = "persist"
	ActionRestore    = "restore"
	ActionValidation = "validation"
	ActionCleanup    = "cleanup"
)
