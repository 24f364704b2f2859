/*
 * Copyright 2025 The BufferHub Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command bufferhubd runs the bufferhub broker daemon. Clients connect over
// the unix socket, producers allocate buffers, consumers import them, and
// the daemon arbitrates the ownership hand-off between them.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/FireHound/bufferhub/internal/broker"
)

func main() {
	opts := broker.DefaultOptions()
	flag.StringVar(&opts.SocketPath, "socket", opts.SocketPath, "unix socket path to listen on")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := broker.New(opts)
	if err := svc.Serve(ctx); err != nil {
		log.Fatalf("bufferhubd: %v", err)
	}
}
