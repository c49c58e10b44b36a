package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/trackgate/internal/server"
	"procodus.dev/trackgate/pkg/metrics"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ingest gateway",
	Long: `Run the ingest gateway that:
- Accepts TCP connections from GPS trackers
- Decodes watch-text, classic-text, and JT/T808 binary frames
- Validates, deduplicates, and rate limits per device
- Assigns fixes to flight sessions via the device registry
- Enqueues fixes onto the redis-backed priority queue
- Publishes device alarms to RabbitMQ`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().String("listen-host", "", "TCP ingest bind host (empty for all interfaces)")
	serverCmd.Flags().Int("listen-port", 5013, "TCP ingest bind port")
	serverCmd.Flags().Int("ops-port", 8080, "operational HTTP port (0 disables)")
	serverCmd.Flags().String("redis-addr", "localhost:6379", "redis address for the priority queue")
	serverCmd.Flags().String("redis-password", "", "redis password")
	serverCmd.Flags().Int("redis-db", 0, "redis database number")
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "trackgate", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("token-secret", "", "HMAC secret for registration session tokens")
	serverCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL for alarm fan-out (empty disables)")
	serverCmd.Flags().String("alarm-exchange", "trackgate.alarms", "RabbitMQ fanout exchange for alarms")
	serverCmd.Flags().Duration("idle-timeout", 300*time.Second, "per-connection idle timeout")
	serverCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "post-login keep-alive interval")
	serverCmd.Flags().Int("max-connections", 1000, "global concurrent connection cap")
	serverCmd.Flags().Int("max-per-ip", 50, "per-source-IP concurrent connection cap")

	// Bind flags to viper
	_ = viper.BindPFlag("server.listen.host", serverCmd.Flags().Lookup("listen-host"))
	_ = viper.BindPFlag("server.listen.port", serverCmd.Flags().Lookup("listen-port"))
	_ = viper.BindPFlag("server.ops.port", serverCmd.Flags().Lookup("ops-port"))
	_ = viper.BindPFlag("server.redis.addr", serverCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("server.redis.password", serverCmd.Flags().Lookup("redis-password"))
	_ = viper.BindPFlag("server.redis.db", serverCmd.Flags().Lookup("redis-db"))
	_ = viper.BindPFlag("server.db.host", serverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("server.db.port", serverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("server.db.user", serverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("server.db.password", serverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("server.db.name", serverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("server.db.sslmode", serverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.token_secret", serverCmd.Flags().Lookup("token-secret"))
	_ = viper.BindPFlag("server.rabbitmq.url", serverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("server.rabbitmq.alarm_exchange", serverCmd.Flags().Lookup("alarm-exchange"))
	_ = viper.BindPFlag("server.idle_timeout", serverCmd.Flags().Lookup("idle-timeout"))
	_ = viper.BindPFlag("server.heartbeat_interval", serverCmd.Flags().Lookup("heartbeat-interval"))
	_ = viper.BindPFlag("server.max_connections", serverCmd.Flags().Lookup("max-connections"))
	_ = viper.BindPFlag("server.max_per_ip", serverCmd.Flags().Lookup("max-per-ip"))
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting ingest gateway service")

	// Create server configuration from viper
	config := &server.ServerConfig{
		Logger:            logger,
		ListenHost:        viper.GetString("server.listen.host"),
		ListenPort:        viper.GetInt("server.listen.port"),
		OpsPort:           viper.GetInt("server.ops.port"),
		RedisAddr:         viper.GetString("server.redis.addr"),
		RedisPassword:     viper.GetString("server.redis.password"),
		RedisDB:           viper.GetInt("server.redis.db"),
		DBHost:            viper.GetString("server.db.host"),
		DBPort:            viper.GetInt("server.db.port"),
		DBUser:            viper.GetString("server.db.user"),
		DBPassword:        viper.GetString("server.db.password"),
		DBName:            viper.GetString("server.db.name"),
		DBSSLMode:         viper.GetString("server.db.sslmode"),
		TokenSecret:       viper.GetString("server.token_secret"),
		RabbitMQURL:       viper.GetString("server.rabbitmq.url"),
		AlarmExchange:     viper.GetString("server.rabbitmq.alarm_exchange"),
		IdleTimeout:       viper.GetDuration("server.idle_timeout"),
		HeartbeatInterval: viper.GetDuration("server.heartbeat_interval"),
		MaxConnections:    viper.GetInt("server.max_connections"),
		MaxPerIP:          viper.GetInt("server.max_per_ip"),
		Metrics:           metrics.NewIngestMetrics("trackgate"),
		QueueMetrics:      metrics.NewQueueMetrics("trackgate"),
		AlarmMetrics:      metrics.NewAlarmMetrics("trackgate"),
	}

	// Create and run server
	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create gateway", "error", err)
		return err
	}

	logger.Info("gateway configuration",
		"listen_host", config.ListenHost,
		"listen_port", config.ListenPort,
		"ops_port", config.OpsPort,
		"redis_addr", config.RedisAddr,
		"db_host", config.DBHost,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("gateway error", "error", err)
		return err
	}

	logger.Info("gateway stopped")
	return nil
}
