package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	transporthttp "github.com/williamhogman/vm-autoscaler/autoscaler/internal/transport/http"
)

var (
	serverAddr string
	timeout    time.Duration
	source     string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "scalectl",
	Short:         "Operate the VM autoscaler",
	Long:          "Query cluster status and send scale instructions to the autoscaler, either through its API or the Redis instruction queue.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "Autoscaler API address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&source, "source", "scalectl", "Source recorded on instructions")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log requests to stderr")
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newClient() *transporthttp.AutoscalerClient {
	return transporthttp.NewAutoscalerClient(&http.Client{Timeout: timeout}, serverAddr, newLogger())
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
