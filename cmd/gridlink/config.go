package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/couchbase/gridlink/client"
	"github.com/couchbase/gridlink/common/discovery"
	"github.com/couchbase/gridlink/utils/secretsmanager"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type config struct {
	logLevelStr         string
	endpoints           []string
	connStr             string
	etcdEndpoints       []string
	etcdPrefix          string
	affinityAwareness   bool
	reconnectDisabled   bool
	username            string
	password            string
	clientName          string
	connectTimeout      time.Duration
	useTLS              bool
	tlsCACertPath       string
	tlsSkipVerify       bool
	bindAddress         string
	webPort             int
	otlpEndpoint        string
	disableOtlpTraces   bool
	disableOtlpMetrics  bool
	traceEverything     bool
	credsAwsId          string
	credsAwsRegion      string
	credsAzureId        string
	credsAzureVaultName string
	credsGcpId          string
	credsGcpProjectId   string
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:         viper.GetString("log-level"),
		endpoints:           viper.GetStringSlice("endpoints"),
		connStr:             viper.GetString("connstr"),
		etcdEndpoints:       viper.GetStringSlice("etcd-endpoints"),
		etcdPrefix:          viper.GetString("etcd-prefix"),
		affinityAwareness:   viper.GetBool("affinity-awareness"),
		reconnectDisabled:   viper.GetBool("reconnect-disabled"),
		username:            viper.GetString("username"),
		password:            viper.GetString("password"),
		clientName:          viper.GetString("client-name"),
		connectTimeout:      viper.GetDuration("connect-timeout"),
		useTLS:              viper.GetBool("tls"),
		tlsCACertPath:       viper.GetString("tls-ca-cert"),
		tlsSkipVerify:       viper.GetBool("tls-skip-verify"),
		bindAddress:         viper.GetString("bind-address"),
		webPort:             viper.GetInt("web-port"),
		otlpEndpoint:        viper.GetString("otlp-endpoint"),
		disableOtlpTraces:   viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:  viper.GetBool("disable-otlp-metrics"),
		traceEverything:     viper.GetBool("trace-everything"),
		credsAwsId:          viper.GetString("creds-aws-id"),
		credsAwsRegion:      viper.GetString("creds-aws-region"),
		credsAzureId:        viper.GetString("creds-azure-id"),
		credsAzureVaultName: viper.GetString("creds-azure-vault-name"),
		credsGcpId:          viper.GetString("creds-gcp-id"),
		credsGcpProjectId:   viper.GetString("creds-gcp-project-id"),
	}

	logger.Info("parsed gridlink configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.Strings("endpoints", config.endpoints),
		zap.String("connStr", config.connStr),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Bool("affinityAwareness", config.affinityAwareness),
		zap.Bool("reconnectDisabled", config.reconnectDisabled),
		zap.String("username", config.username),
		// zap.String("password", config.password),
		zap.String("clientName", config.clientName),
		zap.Duration("connectTimeout", config.connectTimeout),
		zap.Bool("useTLS", config.useTLS),
		zap.String("tlsCACertPath", config.tlsCACertPath),
		zap.Bool("tlsSkipVerify", config.tlsSkipVerify),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.String("credsAwsId", config.credsAwsId),
		zap.String("credsAwsRegion", config.credsAwsRegion),
		zap.String("credsAzureId", config.credsAzureId),
		zap.String("credsAzureVaultName", config.credsAzureVaultName),
		zap.String("credsGcpId", config.credsGcpId),
		zap.String("credsGcpProjectId", config.credsGcpProjectId),
	)

	return config
}

func (c *config) secretSource() secretsmanager.Source {
	return secretsmanager.Source{
		AwsID:          c.credsAwsId,
		AwsRegion:      c.credsAwsRegion,
		AzureID:        c.credsAzureId,
		AzureVaultName: c.credsAzureVaultName,
		GcpID:          c.credsGcpId,
		GcpProjectID:   c.credsGcpProjectId,
	}
}

// discoverEndpoints picks the node list from, in order of preference, etcd,
// the connection string, and the endpoints flag.
func discoverEndpoints(ctx context.Context, logger *zap.Logger, config *config) ([]string, bool, error) {
	useTLS := config.useTLS

	if len(config.etcdEndpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   config.etcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer etcdClient.Close()

		source, err := discovery.NewEtcdSourceFromClient(etcdClient, config.etcdPrefix, logger)
		if err != nil {
			return nil, false, err
		}

		endpoints, err := source.Endpoints(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list grid nodes from etcd: %w", err)
		}

		return endpoints, useTLS, nil
	}

	if config.connStr != "" {
		parsed, err := discovery.ParseConnStr(config.connStr)
		if err != nil {
			return nil, false, err
		}

		if parsed.AffinityAwareness != nil {
			config.affinityAwareness = *parsed.AffinityAwareness
		}
		if parsed.ReconnectDisabled != nil {
			config.reconnectDisabled = *parsed.ReconnectDisabled
		}

		return parsed.Endpoints, useTLS || parsed.UseTLS, nil
	}

	return config.endpoints, useTLS, nil
}

func buildTLSConfig(config *config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.tlsSkipVerify,
	}

	if config.tlsCACertPath != "" {
		caPem, err := os.ReadFile(config.tlsCACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPem) {
			return nil, errors.New("no certificates found in ca certificate file")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func newClient(ctx context.Context, logger *zap.Logger, config *config) (*client.Client, error) {
	username, password := config.username, config.password

	source := config.secretSource()
	if !source.IsZero() {
		creds, err := secretsmanager.Fetch(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch grid credentials: %w", err)
		}

		logger.Info("using grid credentials from secrets manager")
		username, password = creds.Username, creds.Password
	}

	endpoints, useTLS, err := discoverEndpoints(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if useTLS {
		tlsConfig, err = buildTLSConfig(config)
		if err != nil {
			return nil, err
		}
	}

	return client.New(client.Config{
		Endpoints:         endpoints,
		AffinityAwareness: config.affinityAwareness,
		ReconnectDisabled: config.reconnectDisabled,
		Username:          username,
		Password:          password,
		ClientName:        config.clientName,
		TLSConfig:         tlsConfig,
		ConnectTimeout:    config.connectTimeout,
		Logger:            logger.Named("client"),
	})
}
