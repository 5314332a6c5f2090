// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logging configuration.
type Config struct {
	Disable     bool   `yaml:"disable"`
	ServiceName string `yaml:"service_name"`
	Path        string `yaml:"path"`
	Encoding    string `yaml:"encoding"`
}

var (
	_default *zap.SugaredLogger
	_mu      sync.Mutex
)

func init() {
	l, _ := zap.NewProduction(zap.AddCallerSkip(1))
	_default = l.Sugar()
}

// New creates a logger that is not default.
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	if config.Disable {
		return zap.NewNop(), nil
	}
	if len(config.Path) == 0 {
		config.Path = "stderr"
	}
	if config.Encoding == "" {
		config.Encoding = "console"
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if config.ServiceName != "" {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["service_name"] = config.ServiceName
	}
	return zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Sampling:         nil,
		Encoding:         config.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{config.Path},
		ErrorOutputPaths: []string{config.Path},
		InitialFields:    fields,
	}.Build()
}

// ConfigureLogger configures a global zap logger instance.
func ConfigureLogger(config Config) (*zap.SugaredLogger, error) {
	logger, err := New(config, nil)
	if err != nil {
		return nil, err
	}
	SetGlobalLogger(logger.WithOptions(zap.AddCallerSkip(1)).Sugar())
	return _default, nil
}

// SetGlobalLogger sets the global logger.
func SetGlobalLogger(logger *zap.SugaredLogger) {
	_mu.Lock()
	defer _mu.Unlock()
	_default = logger
}

// Default returns the global logger.
func Default() *zap.SugaredLogger {
	_mu.Lock()
	defer _mu.Unlock()
	return _default
}

// Debugf uses fmt.Sprintf to log a templated message.
func Debugf(template string, args ...interface{}) {
	Default().Debugf(template, args...)
}

// Infof uses fmt.Sprintf to log a templated message.
func Infof(template string, args ...interface{}) {
	Default().Infof(template, args...)
}

// Warnf uses fmt.Sprintf to log a templated message.
func Warnf(template string, args ...interface{}) {
	Default().Warnf(template, args...)
}

// Errorf uses fmt.Sprintf to log a templated message.
func Errorf(template string, args ...interface{}) {
	Default().Errorf(template, args...)
}

// Fatalf uses fmt.Sprintf to log a templated message, then calls os.Exit.
func Fatalf(template string, args ...interface{}) {
	Default().Fatalf(template, args...)
}

// With adds a variadic number of fields to the logging context.
func With(args ...interface{}) *zap.SugaredLogger {
	return Default().With(args...)
}
