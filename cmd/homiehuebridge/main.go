// homiehuebridge emulates a Philips Hue Bridge in front of a Homie-style
// message bus: SSDP/UPnP discovery, the Hue v1 REST API, and an embedded
// rule/schedule engine all run against a light-state adapter that mirrors
// changes to and from the bus.
//
// Usage:
//
//	homiehuebridge --config-dir config --port 8005
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stufisher/homiehuebridge/internal/bridge"
	"github.com/stufisher/homiehuebridge/internal/config"
	"github.com/stufisher/homiehuebridge/internal/logging"
)

var (
	port       int
	bind       string
	mac        string
	configDir  string
	configFile string
	verbose    bool
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "homiehuebridge",
	Short:         "Philips Hue Bridge emulator backed by a Homie message bus",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return logging.SetLevel("debug")
		}
		return nil
	},
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().IntVar(&port, "port", 8005, "port to serve the Hue API and SSDP description on")
	rootCmd.PersistentFlags().StringVar(&bind, "bind", "", "IP address to advertise (auto-detected when empty)")
	rootCmd.PersistentFlags().StringVar(&mac, "mac", "", "12-hex MAC address to advertise (auto-detected when empty)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory holding the bridge's persisted state")
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "huebridge.json", "deployment config file (device table, MQTT broker)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

func run(cmd *cobra.Command, args []string) error {
	deployment, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading deployment config: %w", err)
	}

	b, err := bridge.New(deployment, bridge.Options{
		Port:      port,
		Bind:      bind,
		MAC:       mac,
		ConfigDir: configDir,
	})
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	if err := b.Start(); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	logging.WithComponent("main").Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down bridge: %w", err)
	}
	return nil
}
