/*
 *    Copyright 2024 helix-oss
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/helix-oss/dynalock/logger"
)

type defaultLogger struct {
	zl zerolog.Logger
}

// Default returns a Logger writing structured JSON to stderr.
func Default() logger.Logger {
	return &defaultLogger{
		zl: zerolog.New(os.Stderr).With().Timestamp().Str("library", "dynalock").Logger(),
	}
}

func (d *defaultLogger) Debug(_ context.Context, msg string, param ...any) {
	d.zl.Debug().Interface("param", param).Msg(msg)
}

func (d *defaultLogger) Info(_ context.Context, msg string, param ...any) {
	d.zl.Info().Interface("param", param).Msg(msg)
}

func (d *defaultLogger) Warn(_ context.Context, msg string, param ...any) {
	d.zl.Warn().Interface("param", param).Msg(msg)
}

func (d *defaultLogger) Error(_ context.Context, msg string, param ...any) {
	d.zl.Error().Interface("param", param).Msg(msg)
}
