// Command httpx-echo runs a pattern server and a load client on top of the
// httpx engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"dqx0.com/go/niohttp/httpx"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env holds what every subcommand shares once flags are parsed.
type env struct {
	v      *viper.Viper
	cfg    httpx.Config
	log    *zap.Logger
	tracer *sdktrace.TracerProvider
}

func newRootCmd() *cobra.Command {
	e := &env{v: viper.New()}
	root := &cobra.Command{
		Use:           "httpx-echo",
		Short:         "Pattern server and load client for the httpx engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return e.teardown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("trace", false, "print spans to stderr")
	flags.Int("io-threads", 0, "number of I/O loops")
	flags.Duration("socket-timeout", 0, "idle connection timeout")
	flags.Duration("wait-for-continue", 0, "client wait for 100 Continue")
	flags.Int64("max-body-bytes", 0, "limit on received content")
	for key, flag := range map[string]string{
		"config":            "config",
		"debug":             "debug",
		"trace":             "trace",
		"io_threads":        "io-threads",
		"socket_timeout":    "socket-timeout",
		"wait_for_continue": "wait-for-continue",
		"max_body_bytes":    "max-body-bytes",
	} {
		// Lookup cannot fail for flags defined above.
		_ = e.v.BindPFlag(key, flags.Lookup(flag))
	}
	e.v.SetEnvPrefix("HTTPX")
	e.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	e.v.AutomaticEnv()

	root.AddCommand(newServeCmd(e), newFetchCmd(e))
	return root
}

func (e *env) setup() error {
	if path := e.v.GetString("config"); path != "" {
		e.v.SetConfigFile(path)
		if err := e.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := httpx.LoadConfig(e.v)
	if err != nil {
		return err
	}
	e.cfg = cfg

	zcfg := zap.NewProductionConfig()
	if e.v.GetBool("debug") {
		zcfg = zap.NewDevelopmentConfig()
	}
	e.log, err = zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	if e.v.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		e.tracer = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(e.tracer)
	}
	return nil
}

func (e *env) teardown(ctx context.Context) error {
	if e.tracer != nil {
		if err := e.tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	if e.log != nil {
		_ = e.log.Sync()
	}
	return nil
}
