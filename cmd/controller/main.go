/*
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

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/lifo4/edge-controller/pkg/operator"
	"github.com/lifo4/edge-controller/pkg/operator/options"
	"github.com/lifo4/edge-controller/pkg/utils/log"
)

func main() {
	opts := options.New().MustParse()
	logger, err := log.NewLogger(opts.LogLevel, opts.LogMode)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	op, err := operator.NewOperator(ctx, opts, logger)
	if err != nil {
		logger.Error(err, "startup failed")
		os.Exit(1)
	}
	if err := op.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err, "daemon exited")
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}
