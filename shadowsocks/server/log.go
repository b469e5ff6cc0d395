/*
 * Copyright (c) 2024, aioshadowsocks Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the
// underlying logging packages.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the
// underlying logging package.
type LogFields logrus.Fields

// Add copies log fields from b into a, overwriting existing
// fields in a with the same name.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		a[name] = value
	}
}

// WithTrace adds a "trace" field containing the caller's function name
// and source file line number. Use this function when the log has no
// fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Note that any existing "trace" field will be renamed to
// "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

// LogRawFieldsWithTimestamp directly logs the supplied fields adding only
// an additional "timestamp" field. The stock "msg" and "level" fields are
// omitted. This log is emitted at the Error level. This function exists to
// support API logs which have neither a natural message nor severity; and
// omitting these values here makes it easier to ship these logs to existing
// API log consumers.
func (logger *ContextLogger) LogRawFieldsWithTimestamp(fields LogFields) {
	logger.WithFields(logrus.Fields(fields)).Error(
		customJSONFormatterLogRawFieldsWithTimestamp)
}

// LogPanicRecover calls LogRawFieldsWithTimestamp with standard fields
// for logging recovered panics.
func (logger *ContextLogger) LogPanicRecover(recoverValue interface{}, stack []byte) {
	logger.LogRawFieldsWithTimestamp(
		LogFields{
			"event_name":    "panic",
			"panic_message": fmt.Sprint(recoverValue),
			"panic_stack":   string(stack),
		})
}

// NewLogWriter returns an io.PipeWriter that can be used to write
// to the global logger. Caller must Close() the writer.
func NewLogWriter() *io.PipeWriter {
	return log.Writer()
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter
type CustomJSONFormatter struct {
}

const customJSONFormatterLogRawFieldsWithTimestamp = "CustomJSONFormatter.LogRawFieldsWithTimestamp"

// Format implements logrus.Formatter. This is a customized version of the
// standard logrus.JSONFormatter with the following changes:
// - "time" is renamed to "timestamp"
// - there's an option to omit the standard "msg" and "level" fields
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if entry.Message != customJSONFormatterLogRawFieldsWithTimestamp {

		if m, ok := data["msg"]; ok {
			data["fields.msg"] = m
		}

		if l, ok := data["level"]; ok {
			data["fields.level"] = l
		}

		data["msg"] = entry.Message
		data["level"] = entry.Level.String()
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Tracef("failed to marshal log fields: %v", err)
	}

	return append(serialized, '\n'), nil
}

var log *ContextLogger
var logFileReopener *rotate.RotatableFileWriter

// InitLogging configures a logger according to the specified config
// params. If not called, the default logger set by the package init()
// is used.
//
// When configured, log files will be rotated transparently when the
// underlying file is moved aside by an external log manager.
//
// Concurrency note: should only be called from the main goroutine.
func InitLogging(config *Config) (retErr error) {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if config.LogFilename != "" {

		retries, create, mode := config.GetLogFileReopenConfig()
		logFileReopener, err = rotate.NewRotatableFileWriter(
			config.LogFilename, retries, create, mode)
		if err != nil {
			return errors.Trace(err)
		}

		logWriter = logFileReopener
	}

	log = &ContextLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

// ReopenLogFile reopens the log file connection after an external
// rotation, if a log file is configured.
func ReopenLogFile() error {
	if logFileReopener == nil {
		return nil
	}
	return errors.Trace(logFileReopener.Reopen())
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	// For example, "net/http" logs messages such as:
	// "http: TLS handshake error from <client-ip-addr>:<port>: [...]: i/o timeout"
	go_log.SetOutput(io.Discard)

	log = &ContextLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}
