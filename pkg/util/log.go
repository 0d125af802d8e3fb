// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import "go.uber.org/zap"

var gLogger *zap.Logger

func init() {
	gLogger, _ = zap.NewProduction()
	if gLogger == nil {
		gLogger = zap.NewNop()
	}
}

// L returns the package-level logger.
func L() *zap.Logger {
	return gLogger
}

// UseDevelopmentLogger swaps in a development logger (console encoder,
// debug level). Nothing in this module calls it; the default is the
// production logger set up in init.
func UseDevelopmentLogger() {
	if l, err := zap.NewDevelopment(); err == nil {
		gLogger = l
	}
}

func Info(msg string, fields ...zap.Field) {
	gLogger.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	gLogger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	gLogger.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	gLogger.Debug(msg, fields...)
}

func Sync() error {
	return gLogger.Sync()
}

// ErrField is shorthand for zap.Error, used by the WAL package to
// attach an error to a log line.
func ErrField(err error) zap.Field {
	return zap.Error(err)
}
