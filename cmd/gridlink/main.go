package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/gridlink/utils/buildversion"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/gridlink")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "gridlink",
	Short: "A thin, affinity aware client for partitioned data grids",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

var cfgFile string
var watchCfgFile bool

var (
	logLevel   zap.AtomicLevel
	logger     *zap.Logger
	shutdownFn func(ctx context.Context)
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.StringSlice("endpoints", []string{"localhost"}, "grid node endpoints as host, host:port or host:port..end")
	configFlags.String("connstr", "", "a grid:// connection string, overrides endpoints")
	configFlags.StringSlice("etcd-endpoints", nil, "etcd endpoints to discover grid nodes from, overrides endpoints")
	configFlags.String("etcd-prefix", "/gridlink/nodes/", "the etcd key prefix grid nodes are registered under")
	configFlags.Bool("affinity-awareness", true, "route keyed requests to the node owning the key")
	configFlags.Bool("reconnect-disabled", false, "fail permanently once the connection is lost")
	configFlags.String("username", "", "the grid username")
	configFlags.String("password", "", "the grid password")
	configFlags.String("client-name", "gridlink-cli", "the client name reported to grid nodes")
	configFlags.Duration("connect-timeout", 5*time.Second, "the timeout for connecting to a single node")
	configFlags.Bool("tls", false, "connect to grid nodes using tls")
	configFlags.String("tls-ca-cert", "", "path to a ca certificate used to verify grid nodes")
	configFlags.Bool("tls-skip-verify", false, "skip verification of grid node certificates")
	configFlags.String("bind-address", "127.0.0.1", "the local address the web api binds to")
	configFlags.Int("web-port", -1, "the web metrics/health/topology port, -1 to disable")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	configFlags.String("creds-aws-id", "", "id of secret in aws sm storing grid credentials")
	configFlags.String("creds-aws-region", "", "region of creds-aws-id secret")
	configFlags.String("creds-azure-id", "", "id of secret in azure kv storing grid credentials")
	configFlags.String("creds-azure-vault-name", "", "name of key vault storing creds-azure-id")
	configFlags.String("creds-gcp-id", "", "id of secret in gcp sm storing grid credentials")
	configFlags.String("creds-gcp-project-id", "", "id of project containing creds-gcp-id")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("gridlink")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(pingCmd, partitionsCmd, routeCmd, watchCmd)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func parseLogLevel(levelStr string) zapcore.Level {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead",
			zap.String("level", levelStr))
		return zapcore.InfoLevel
	}
	return parsedLogLevel
}

func setup() error {
	logLevel, logger = getLogger()

	logger.Debug("starting gridlink", zap.String("version", buildVersion))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return fmt.Errorf("failed to load specified config file: %w", err)
		}
	}

	config := readConfig(logger)
	logLevel.SetLevel(parseLogLevel(config.logLevelStr))

	tracerProvider, meterProvider, err := initTelemetry(context.Background(),
		logger,
		config.otlpEndpoint,
		!config.disableOtlpTraces,
		!config.disableOtlpMetrics,
		config.traceEverything)
	if err != nil {
		return fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	shutdownFn = func(ctx context.Context) {
		if tracerProvider != nil {
			_ = tracerProvider.Shutdown(ctx)
		}
		if meterProvider != nil {
			_ = meterProvider.Shutdown(ctx)
		}
		_ = logger.Sync()
	}

	if watchCfgFile && cfgFile != "" {
		watchConfig(config)
	}

	return nil
}

func teardown() {
	if shutdownFn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownFn(ctx)
}

// watchConfig applies log level changes from the config file.  Every other
// setting requires a restart.
func watchConfig(config *config) {
	var configLock sync.Mutex

	viper.OnConfigChange(func(in fsnotify.Event) {
		configLock.Lock()
		defer configLock.Unlock()

		logger.Info("configuration file change detected", zap.String("file", in.Name))

		newConfig := readConfig(logger)

		if !slicesEqual(newConfig.endpoints, config.endpoints) ||
			newConfig.connStr != config.connStr ||
			!slicesEqual(newConfig.etcdEndpoints, config.etcdEndpoints) {
			logger.Warn("config changes for endpoints, connstr, or etcd-endpoints require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newLevel := parseLogLevel(newConfig.logLevelStr)
			logLevel.SetLevel(newLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newLevel.String()))
		}

		*config = *newConfig
	})

	go viper.WatchConfig()
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
