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

package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/clamui/quarantinedb/internal/util/resource"
)

func TestSetupOtelNoEndpoint(t *testing.T) {
	t.Parallel()

	shutdown, err := SetupOtel("quarantinedb", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestFuncCall(t *testing.T) {
	t.Parallel()

	fc := &funcCall{}

	before := trackedCalls(fc)

	func() {
		defer FuncCall(context.Background())()
		assert.Equal(t, before+1, trackedCalls(fc))
	}()

	assert.Equal(t, before, trackedCalls(fc))
}

func TestStartSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := otelsdktrace.NewTracerProvider(otelsdktrace.WithSyncer(exporter))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "pool.WithConnection")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "pool.WithConnection", spans[0].Name)
	assert.Equal(t, tracerName, spans[0].InstrumentationLibrary.Name)
}

// trackedCalls returns the number of currently tracked function calls.
func trackedCalls(fc *funcCall) int {
	return resource.Tracked(fc)
}
