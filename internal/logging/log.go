/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides the request-scoped contextLogger used across
// the adaptor: a logr.Logger threaded through context.Context, backed in
// production by zap via zapr.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

type contextKey struct{}

var root logr.Logger = func() logr.Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}()

// SetRoot replaces the process-wide root logger. Intended for cmd/ entry
// points and tests that want a development (console) encoder instead of
// the production JSON one.
func SetRoot(l logr.Logger) {
	root = l
}

// SetupLogger returns a logger bound to ctx (or the root logger if ctx
// carries none yet) together with a context that now carries it, the
// `contextLogger, ctx := log.SetupLogger(ctx)` idiom used at the top of
// every reconcile-shaped entry point.
func SetupLogger(ctx context.Context) (logr.Logger, context.Context) {
	if l, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
		return l, ctx
	}
	l := root
	return l, context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger bound to ctx, or the root logger if none
// was ever installed.
func FromContext(ctx context.Context) logr.Logger {
	if l, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
		return l
	}
	return root
}
