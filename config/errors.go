// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName      = errors.New("invalid application name")
	ErrInvalidEnvironment  = errors.New("invalid environment")
	ErrInvalidLogLevel     = errors.New("invalid log level")
	ErrInvalidLogFormat    = errors.New("invalid log format")
	ErrInvalidProcessCount = errors.New("invalid process count")
	ErrInvalidStarter      = errors.New("invalid starter process")
	ErrInvalidMailboxSize  = errors.New("invalid mailbox size")
	ErrInvalidTopology     = errors.New("invalid topology")
	ErrInvalidDuration     = errors.New("invalid duration")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound   = errors.New("configuration file not found")
	ErrConfigParseError     = errors.New("configuration parse error")
	ErrUnsupportedFormat    = errors.New("unsupported configuration format")
	ErrEnvironmentVarError  = errors.New("environment variable error")
	ErrConfigWatchError     = errors.New("configuration watch error")
	ErrProviderNotSupported = errors.New("configuration provider not supported")
)
