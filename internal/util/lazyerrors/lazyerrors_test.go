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

package lazyerrors

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// location returns the "[file:line func]" prefix for the line preceding the call.
func location(t *testing.T) string {
	t.Helper()

	pc, file, line, ok := runtime.Caller(1)
	require.True(t, ok)

	fn := runtime.FuncForPC(pc).Name()
	for i := len(fn) - 1; i >= 0; i-- {
		if fn[i] == '/' {
			fn = fn[i+1:]
			break
		}
	}

	for i := len(file) - 1; i >= 0; i-- {
		if file[i] == '/' {
			file = file[i+1:]
			break
		}
	}

	return fmt.Sprintf("[%s:%d %s]", file, line-1, fn)
}

func TestNew(t *testing.T) {
	t.Parallel()

	err := New("pool is closed")
	loc := location(t)

	assert.Equal(t, loc+" pool is closed", err.Error())
	assert.Equal(t, "pool is closed", errors.Unwrap(err).Error())
}

func TestError(t *testing.T) {
	t.Parallel()

	err := Error(io.EOF)
	loc := location(t)

	assert.Equal(t, loc+" EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)
	assert.Same(t, io.EOF, errors.Unwrap(err))

	assert.Panics(t, func() { _ = Error(nil) })
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	errClosed := errors.New("closed")
	errTimeout := errors.New("timeout")

	err := Errorf("%w: %w", errTimeout, io.ErrClosedPipe)
	loc := location(t)

	assert.Equal(t, loc+" timeout: io: read/write on closed pipe", err.Error())
	assert.ErrorIs(t, err, errTimeout)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.NotErrorIs(t, err, errClosed)

	wrapped := Errorf("acquire: %w", err)
	assert.ErrorIs(t, wrapped, errTimeout)
	assert.ErrorIs(t, wrapped, io.ErrClosedPipe)
	assert.Contains(t, wrapped.Error(), loc)
}

func TestGoroutine(t *testing.T) {
	t.Parallel()

	ch := make(chan error, 1)

	go func() {
		ch <- New("err")
	}()

	err := <-ch
	assert.Regexp(t, `^\[lazyerrors_test\.go:\d+ lazyerrors\.TestGoroutine\.func1\] err$`, err.Error())
}

var drain any

func BenchmarkNew(b *testing.B) {
	for i := 0; i < b.N; i++ {
		drain = New("err")
	}

	b.StopTimer()

	assert.NotNil(b, drain)
}
