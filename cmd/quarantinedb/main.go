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

// Command quarantinedb checks and exercises the quarantine database connection pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clamui/quarantinedb/build/version"
	"github.com/clamui/quarantinedb/internal/pool"
	"github.com/clamui/quarantinedb/internal/util/ctxutil"
	"github.com/clamui/quarantinedb/internal/util/debug"
	"github.com/clamui/quarantinedb/internal/util/debugbuild"
	"github.com/clamui/quarantinedb/internal/util/logging"
	"github.com/clamui/quarantinedb/internal/util/must"
	"github.com/clamui/quarantinedb/internal/util/observability"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll,vet // for readability
var cli struct {
	Config kong.ConfigFlag `help:"YAML configuration file path." type:"existingfile" env:"-"`

	DBPath         string        `default:"quarantine.db"        help:"Database file path or SQLite URI."      name:"db-path"`
	PoolSize       int           `default:"${default_pool_size}" help:"Maximum number of pooled connections."`
	AcquireTimeout time.Duration `default:"30s"                  help:"How long to wait for a free connection."`

	DebugAddr     string `default:"" help:"Listen address for HTTP handlers for metrics, pprof, etc. Disabled if empty."`
	OtelTracesURL string `default:"" help:"OpenTelemetry OTLP/HTTP traces endpoint URL."                                 name:"otel-traces-url"`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}" enum:"${enum_log_format}"`
	} `embed:"" prefix:"log-"`

	Check struct{} `cmd:"" help:"Check database integrity and print pool statistics." default:"1"`

	Stress stressParams `cmd:"" help:"Run concurrent acquire/release cycles against the pool."`

	Version struct{} `cmd:"" help:"Print version to stdout and exit."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),
			"default_pool_size": fmt.Sprint(pool.DefaultCapacity),

			"enum_log_format": strings.Join(logging.Formats, ","),

			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("QUARANTINEDB"),
		kong.Configuration(yamlLoader),
	}
)

func main() {
	// environment variables are resolved by kong, so load .env first
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env file: %s.", err)
	}

	kongCtx := kong.Parse(&cli, kongOptions...)

	os.Exit(run(kongCtx.Command()))
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// setupLogger setups zap logger.
func setupLogger() *zap.Logger {
	info := version.Get()

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	logging.Setup(level, cli.Log.Format, "")
	l := zap.L()

	l.Debug(
		"Starting quarantinedb "+info.Version+"...",
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.String("branch", info.Branch),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
	)

	if debugbuild.Enabled {
		l.Info("This is debug build. The performance will be affected.")
	}

	return l
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics() {
	mfs := must.NotFail(prometheus.DefaultGatherer.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(os.Stderr, mf))
	}
}

// printVersion prints build information to w.
func printVersion(w io.Writer) {
	info := version.Get()

	fmt.Fprintln(w, "version:", info.Version)
	fmt.Fprintln(w, "commit:", info.Commit)
	fmt.Fprintln(w, "branch:", info.Branch)
	fmt.Fprintln(w, "dirty:", info.Dirty)
	fmt.Fprintln(w, "package:", info.Package)
	fmt.Fprintln(w, "debugBuild:", info.DebugBuild)
}

// run sets up environment based on provided flags, runs the given command and returns exit code.
func run(cmd string) int {
	// to increase a chance of resource cleanups to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	if cmd == "version" {
		printVersion(os.Stdout)
		return 0
	}

	// safe to always enable
	runtime.SetBlockProfileRate(10000)

	logger := setupLogger()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	shutdownOtel, err := observability.SetupOtel("quarantinedb", cli.OtelTracesURL)
	if err != nil {
		logger.Sugar().Fatalf("Failed to set up OpenTelemetry: %s.", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdownOtel(ctx); err != nil {
			logger.Warn("Failed to shut down OpenTelemetry.", zap.Error(err))
		}
	}()

	ctx, stop := ctxutil.SigTerm(context.Background())
	defer stop()

	var wg sync.WaitGroup

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		h, err := debug.Listen(&debug.ListenOpts{
			Addr: cli.DebugAddr,
			L:    logger.Named("debug"),
			R:    prometheus.DefaultRegisterer,
			G:    prometheus.DefaultGatherer,
		})
		if err != nil {
			logger.Sugar().Fatalf("Failed to create debug handler: %s.", err)
		}

		debugCtx, debugCancel := context.WithCancel(ctx)
		defer func() {
			debugCancel()
			wg.Wait()
		}()

		wg.Add(1)

		go func() {
			defer wg.Done()
			h.Serve(debugCtx)
		}()
	}

	p, err := pool.New(&pool.NewOpts{
		Path:     cli.DBPath,
		Capacity: cli.PoolSize,
		L:        logger.Named("pool"),
	})
	if err != nil {
		logger.Error("Failed to create connection pool.", zap.Error(err))
		return 1
	}

	defer p.CloseAll()

	prometheus.DefaultRegisterer.MustRegister(p)
	defer prometheus.DefaultRegisterer.Unregister(p)

	switch cmd {
	case "check":
		err = check(ctx, p, cli.AcquireTimeout, os.Stdout)

	case "stress":
		err = stress(ctx, p, &cli.Stress, cli.AcquireTimeout, os.Stdout, logger.Named("stress"))

	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if debugbuild.Enabled {
		dumpMetrics()
	}

	if err != nil {
		logger.Error("Command failed.", zap.String("command", cmd), zap.Error(err))
		return 1
	}

	return 0
}
