// Copyright 2021 FerretDB Inc.
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

// Package ctxutil provides context helpers.
package ctxutil

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SigTerm returns a copy of the parent context that is marked done
// (its Done channel is closed) when termination signal arrives,
// when the returned stop function is called, or when the parent context's
// Done channel is closed, whichever happens first.
func SigTerm(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Sleep pauses the current goroutine until d has passed or ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) {
	sleepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	<-sleepCtx.Done()
}

// DurationWithJitter returns an exponential backoff duration with full jitter
// for the given retry attempt, capped by the given duration.
//
// The result is between 1ms and capDuration.
// Attempts less than 1 are treated as 1.
func DurationWithJitter(capDuration time.Duration, attempt int64) time.Duration {
	const base = 100 * time.Millisecond

	if attempt < 1 {
		attempt = 1
	}

	maxDuration := float64(capDuration)
	if exp := float64(base) * math.Pow(2, float64(attempt)); exp < maxDuration {
		maxDuration = exp
	}

	sleep := time.Duration(rand.Int64N(int64(maxDuration) + 1))

	return max(sleep, time.Millisecond)
}
