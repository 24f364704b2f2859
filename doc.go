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

// Package bufferhub implements zero-copy sharing of a graphics buffer between
// one producer process and one or more consumer processes.
//
// Coordination happens through a fixed-layout metadata region mapped into
// every participating process. The region carries two atomic 64-bit words: the
// ownership word, which encodes who currently holds rights to the buffer (one
// bit for the producer, one bit per registered consumer), and the fence state
// word, which records which side has attached a not-yet-consumed completion
// fence. All cross-process mutation of these words goes through single
// compare-and-swap set-and-clear steps, so every process always observes a
// fully formed state.
//
// A trusted broker (see internal/broker and cmd/bufferhubd) allocates buffers,
// assigns each consumer its unique ownership bit, and performs the privileged
// half of the state machine: clients set their own bits when they acquire, but
// only the broker ever clears consumer bits and returns the buffer to the
// producer once every consumer has released. Clients talk to the broker over a
// unix-socket channel that carries synchronous calls, one-way impulses, and
// file descriptors (the region itself and the shared fence slots).
//
// Completion fences are opaque pollable file descriptors. The shared fence
// slots are epoll descriptors owned by neither side; each read duplicates the
// descriptor into caller ownership, so closing a local copy never invalidates
// another holder's.
package bufferhub
