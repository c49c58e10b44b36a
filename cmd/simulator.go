package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/trackgate/internal/simulator"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run the traffic simulator",
	Long: `Run the traffic simulator that:
- Fabricates synthetic tracker identities
- Opens one TCP connection per device to a running gateway
- Emits watch, classic, or JT/T808 frames on a fixed interval
- Redials on connection loss the way field hardware does`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	// Simulator-specific flags
	simulatorCmd.Flags().String("target", "localhost:5013", "gateway address to send traffic to")
	simulatorCmd.Flags().Int("device-count", 5, "number of concurrent simulated devices")
	simulatorCmd.Flags().Duration("interval", 5*time.Second, "interval between location reports per device")
	simulatorCmd.Flags().String("protocol", "mixed", "wire format: watch, classic, jt808, or mixed")
	simulatorCmd.Flags().Float64("batch-chance", 0.1, "probability a watch device sends a buffered batch")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.target", simulatorCmd.Flags().Lookup("target"))
	_ = viper.BindPFlag("simulator.device_count", simulatorCmd.Flags().Lookup("device-count"))
	_ = viper.BindPFlag("simulator.interval", simulatorCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulator.protocol", simulatorCmd.Flags().Lookup("protocol"))
	_ = viper.BindPFlag("simulator.batch_chance", simulatorCmd.Flags().Lookup("batch-chance"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	// Create simulator configuration from viper
	config := &simulator.ServerConfig{
		Logger:      logger,
		Target:      viper.GetString("simulator.target"),
		DeviceCount: viper.GetInt("simulator.device_count"),
		Interval:    viper.GetDuration("simulator.interval"),
		Protocol:    viper.GetString("simulator.protocol"),
		BatchChance: viper.GetFloat64("simulator.batch_chance"),
	}

	// Create and run server
	srv, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"target", config.Target,
		"device_count", config.DeviceCount,
		"interval", config.Interval,
		"protocol", config.Protocol,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
