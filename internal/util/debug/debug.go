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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	_ "expvar" // for metrics
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // for profiling
	"slices"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/clamui/quarantinedb/internal/util/lazyerrors"
	"github.com/clamui/quarantinedb/internal/util/logging"
	"github.com/clamui/quarantinedb/internal/util/must"
)

// ListenOpts represents [Listen] options.
type ListenOpts struct {
	Addr string
	L    *zap.Logger
	R    prometheus.Registerer
	G    prometheus.Gatherer
}

// Handler serves debug pages.
type Handler struct {
	lis      net.Listener
	mux      *http.ServeMux
	handlers map[string]string
	l        *zap.Logger
	stdL     *log.Logger
}

// Listen creates a new debug handler and starts listening on the given TCP address.
//
// [Handler.Serve] should be called to serve requests.
func Listen(opts *ListenOpts) (*Handler, error) {
	lis, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	stdL := must.NotFail(zap.NewStdLogAt(opts.L, zap.WarnLevel))
	mux := http.NewServeMux()

	mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(opts.G, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	svOpts := []statsviz.Option{statsviz.Root("/debug/graphs")}
	for _, plot := range poolPlots(newPoolSnapshot(opts.G, opts.L, plotInterval)) {
		svOpts = append(svOpts, statsviz.TimeseriesPlot(plot))
	}

	if err = statsviz.Register(mux, svOpts...); err != nil {
		_ = lis.Close()
		return nil, lazyerrors.Error(err)
	}

	// pprof and expvar register themselves on the default mux
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/debug/vars", http.DefaultServeMux)

	mux.HandleFunc("/debug/log", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")

		for _, e := range logging.RecentEntries.Get() {
			fmt.Fprintf(rw, "%s\t%s\t%s\t%s\n", e.Time.Format(time.RFC3339Nano), e.Level.CapitalString(), e.LoggerName, e.Message)
		}
	})

	handlers := map[string]string{
		// custom handlers registered above
		"/debug/graphs":  "Visualize metrics",
		"/debug/metrics": "Metrics in Prometheus format",
		"/debug/log":     "Recent log entries",

		// stdlib handlers
		"/debug/vars":  "Expvar package metrics",
		"/debug/pprof": "Runtime profiling data for pprof",
	}

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers))

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	return &Handler{
		lis:      lis,
		mux:      mux,
		handlers: handlers,
		l:        opts.L,
		stdL:     stdL,
	}, nil
}

// Addr returns the address the handler listens on.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs debug handler until ctx is canceled.
//
// It exits when handler is stopped and listener closed.
func (h *Handler) Serve(ctx context.Context) {
	s := http.Server{
		Handler:  h.mux,
		ErrorLog: h.stdL,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	root := fmt.Sprintf("http://%s", h.lis.Addr())

	h.l.Sugar().Infof("Starting debug server on %s ...", root)

	paths := maps.Keys(h.handlers)
	slices.Sort(paths)

	for _, path := range paths {
		h.l.Sugar().Infof("%s%s - %s", root, path, h.handlers[path])
	}

	go func() {
		if err := s.Serve(h.lis); err != http.ErrServerClosed {
			h.l.DPanic("Debug server exited with unexpected error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	// ctx is already canceled, but we want to inherit its values
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer stopCancel()

	_ = s.Shutdown(stopCtx)
	_ = s.Close()

	h.l.Sugar().Info("Debug server stopped.")
}
