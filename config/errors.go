package config

import "errors"

var (
	// The config file is not valid YAML, or a field has the wrong type.
	ErrInvalidConfigFile = errors.New("invalid config file")

	ErrInvalidLoggerConfig   = errors.New("invalid logger config")
	ErrInvalidIteratorConfig = errors.New("invalid iterator config")
	ErrInvalidRouterConfig   = errors.New("invalid router config")

	ErrInvalidDataReporterConfig = errors.New("invalid data reporter config")
)
