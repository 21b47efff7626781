/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dnsqosd/dnsqosd/internal/capture"
	"github.com/dnsqosd/dnsqosd/internal/metrics"
	"github.com/dnsqosd/dnsqosd/internal/pipeline"
)

var flags struct {
	logLevel   string
	address    string
	port       int
	bufferSize int
	timeout    int
	ringSizeMB int
}

// RootCmd is the main entry point. It's exported so dnsqosd could be easily
// extended without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "dnsqosd <interface>",
	Short: "Passively observe DNS query/answer quality of service",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&flags.logLevel, "loglevel", "info", "set a log level. Can be: trace, debug, info, warning, error")
	RootCmd.Flags().StringVar(&flags.address, "address", "0.0.0.0", "bind host for the scrape server")
	RootCmd.Flags().IntVar(&flags.port, "port", 8080, "bind port for the scrape server")
	RootCmd.Flags().IntVar(&flags.bufferSize, "buffer-size", 5000, "intake queue capacity, in frames")
	RootCmd.Flags().IntVar(&flags.timeout, "timeout", 10, "correlation TTL, in whole seconds")
	RootCmd.Flags().IntVar(&flags.ringSizeMB, "ringsize", 10, "ring size (MB) used to store captured packets")
}

// configureVerbosity configures log verbosity based on parsed flags.
func configureVerbosity() {
	switch flags.logLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", flags.logLevel)
	}
}

func run(_ *cobra.Command, args []string) error {
	configureVerbosity()
	iface := args[0]

	source, err := capture.Open(iface, flags.ringSizeMB)
	if err != nil {
		log.WithError(err).Error("unable to set up capture")
		return err
	}
	defer source.Close()

	sink := metrics.New()
	p := pipeline.New(source, sink, pipeline.Config{
		BufferSize: flags.bufferSize,
		TTL:        time.Duration(flags.timeout) * time.Second,
		ListenAddr: net.JoinHostPort(flags.address, fmt.Sprintf("%d", flags.port)),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil {
		log.WithError(err).Error("pipeline exited with an error")
		return err
	}
	return nil
}

// Execute is the main entry point for the CLI interface.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
