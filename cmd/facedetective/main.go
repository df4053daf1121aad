package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abihf/facedetective/config"
)

var (
	configPath string
	socketPath string
	timeout    time.Duration

	conf *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "facedetective",
	Short:        "Enroll faces, train the classifier and control the daemon",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		conf, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if socketPath == "" {
			socketPath = conf.Daemon.Socket
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket (default from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the daemon")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
