package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	cliconfig "github.com/antonkrylov/xbatch/internal/cli/config"
	"github.com/antonkrylov/xbatch/internal/client"
	"github.com/antonkrylov/xbatch/internal/events"
	"github.com/antonkrylov/xbatch/internal/job"
	"github.com/antonkrylov/xbatch/internal/observability"
	"github.com/antonkrylov/xbatch/internal/remote"
)

const (
	transportSSH   = "ssh"
	transportLocal = "local"
)

// envBindings are the viper keys that read XBATCH_* variables directly.
// Connection keys are left out: client.ResolveConnection gives the config
// file precedence over their environment variables.
var envBindings = map[string][]string{
	"config":           {"XBATCH_CONFIG"},
	"context":          {"XBATCH_CONTEXT"},
	"transport":        {"XBATCH_TRANSPORT"},
	"log-json":         {"XBATCH_LOG_JSON"},
	"verbose":          {"XBATCH_VERBOSE"},
	"otlp-endpoint":    {"XBATCH_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
	"nats-url":         {"XBATCH_NATS_URL"},
	"nats-stream":      {"XBATCH_NATS_STREAM"},
	"metrics-listen":   {"XBATCH_METRICS_LISTEN"},
	"metrics-textfile": {"XBATCH_METRICS_TEXTFILE"},
}

type rootOptions struct {
	v      *viper.Viper
	conn   *client.Connection
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	rootCmd := &cobra.Command{
		Use:           "xbatch",
		Short:         "Ship Python code to a Slurm cluster, run it and look after the job",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.String("config", cliconfig.DefaultConfigPath(), "path to xbatch config file (default $HOME/.xbatch/config)")
	pf.String("context", "", "context name within the config (overrides currentContext)")
	pf.String("host", "", "compute host (env XBATCH_SSH_HOST)")
	pf.String("user", "", "ssh user (env XBATCH_SSH_USER)")
	pf.Int("port", 0, "ssh port (env XBATCH_SSH_PORT, default 22)")
	pf.String("identity-file", "", "ssh private key (env XBATCH_SSH_KEYFILE)")
	pf.String("remote-base-path", "", "absolute directory on the host that holds job directories (env XBATCH_REMOTE_BASE_PATH)")
	pf.String("transport", transportSSH, "how to reach the host: ssh|local")
	pf.String("benign-marker", "", "stderr lines containing this marker are ignored (default bsc/1.0, '-' disables)")
	pf.Bool("pty", false, "stream long-running remote commands through a pseudo-terminal")
	pf.Float64("ssh-rate", 5, "max ssh/scp invocations per second (0 disables the limit)")
	pf.Bool("log-json", false, "emit logs as JSON")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.String("otlp-endpoint", "", "OTLP/gRPC collector address for traces")
	pf.String("nats-url", "", "publish job events to this NATS server")
	pf.String("nats-stream", "", "JetStream stream for job events (core NATS when empty)")
	pf.String("metrics-listen", "", "serve Prometheus metrics on this address while the command runs")
	pf.String("metrics-textfile", "", "write Prometheus metrics to this file on exit (node_exporter textfile format)")

	pf.VisitAll(func(f *pflag.Flag) {
		_ = opts.v.BindPFlag(f.Name, f)
	})
	for key, envs := range envBindings {
		_ = opts.v.BindEnv(append([]string{key}, envs...)...)
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		opts.logger = newLogger(opts.v.GetBool("log-json"), opts.v.GetBool("verbose"))
		// doctor reports config problems instead of failing on them.
		if cmd.Name() == "doctor" {
			return nil
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newCancelCmd(opts))
	rootCmd.AddCommand(newLogsCmd(opts))
	rootCmd.AddCommand(newCleanCmd(opts))
	rootCmd.AddCommand(newFetchCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	return rootCmd
}

func newLogger(jsonOut, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if jsonOut {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	return slog.New(handler)
}

func (r *rootOptions) prepare() error {
	conn, err := client.ResolveConnection(r.v.GetString("config"), r.v.GetString("context"), client.Connection{
		Host:           r.v.GetString("host"),
		User:           r.v.GetString("user"),
		Port:           r.v.GetInt("port"),
		IdentityFile:   r.v.GetString("identity-file"),
		RemoteBasePath: r.v.GetString("remote-base-path"),
		BenignMarker:   r.v.GetString("benign-marker"),
	})
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// shell builds the transport for the resolved connection.
func (r *rootOptions) shell() (remote.Shell, error) {
	switch strings.ToLower(r.v.GetString("transport")) {
	case transportSSH, "":
		if r.conn.Host == "" {
			return nil, errors.New("no compute host: pass --host, set XBATCH_SSH_HOST or add a context to the config")
		}
		sh := &remote.SSHShell{
			Host:         r.conn.Host,
			User:         r.conn.User,
			Port:         r.conn.Port,
			IdentityFile: r.conn.IdentityFile,
			ExtraArgs:    r.conn.SSHArgs,
			BenignMarker: r.conn.BenignMarker,
			PTY:          r.v.GetBool("pty"),
			Logger:       r.logger,
		}
		if perSec := r.v.GetFloat64("ssh-rate"); perSec > 0 {
			burst := int(perSec)
			if burst < 1 {
				burst = 1
			}
			sh.Limiter = rate.NewLimiter(rate.Limit(perSec), burst)
		}
		return sh, nil
	case transportLocal:
		return &remote.LocalShell{BenignMarker: r.conn.BenignMarker}, nil
	default:
		return nil, fmt.Errorf("invalid transport %q (use ssh|local)", r.v.GetString("transport"))
	}
}

// session assembles engine options shared by every command: transport, event
// sinks and tracing. The returned func releases what was opened.
func (r *rootOptions) session(ctx context.Context) (job.Options, func(), error) {
	sh, err := r.shell()
	if err != nil {
		return job.Options{}, nil, err
	}
	if !strings.HasPrefix(r.conn.RemoteBasePath, "/") {
		return job.Options{}, nil, fmt.Errorf("remote base path must be absolute, got %q (use --remote-base-path or XBATCH_REMOTE_BASE_PATH)", r.conn.RemoteBasePath)
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	shutdown, err := observability.Init(ctx, observability.ServiceName, r.v.GetString("otlp-endpoint"))
	if err != nil {
		return job.Options{}, nil, err
	}
	closers = append(closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			r.logger.Warn("flush traces", "err", err)
		}
	})

	listen, textfile := r.v.GetString("metrics-listen"), r.v.GetString("metrics-textfile")
	if listen != "" || textfile != "" {
		metrics, err := observability.InitMetrics(listen, textfile)
		if err != nil {
			closeAll()
			return job.Options{}, nil, err
		}
		closers = append(closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.Shutdown(sctx); err != nil {
				r.logger.Warn("flush metrics", "err", err)
			}
		})
	}

	sinks := events.Multi{events.LogSink{Logger: r.logger}}
	if url := r.v.GetString("nats-url"); url != "" {
		ns, err := events.DialNATS(events.NATSOptions{URL: url, Stream: r.v.GetString("nats-stream")}, r.logger)
		if err != nil {
			closeAll()
			return job.Options{}, nil, err
		}
		sinks = append(sinks, ns)
		closers = append(closers, ns.Close)
	}

	return job.Options{
		Shell:            sh,
		RemoteBasePath:   r.conn.RemoteBasePath,
		DefaultPartition: r.conn.DefaultPartition,
		PollInterval:     r.conn.PollInterval,
		Output:           os.Stderr,
		Events:           sinks,
		Logger:           r.logger,
	}, closeAll, nil
}
