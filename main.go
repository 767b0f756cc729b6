// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/replicas"
	"github.com/rucio/jupyterlab-bridge/rucio"
	"github.com/rucio/jupyterlab-bridge/services"
	"github.com/rucio/jupyterlab-bridge/store"
	"github.com/rucio/jupyterlab-bridge/supervisor"
)

func main() {
	root := &cobra.Command{
		Use:           "rucio-bridge",
		Short:         "Serves Rucio data to JupyterLab",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), childCommand("download", supervisor.RunDownload),
		childCommand("upload", supervisor.RunUpload))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Returns the command that runs the service.
func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <config_file>",
		Short: "Runs the bridge service",
		Long:  "Runs the bridge service.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(args[0])
		},
	}
}

// Returns a hidden command that runs a download or upload job read from
// stdin. The service starts these as child processes.
func childCommand(name string, run func(context.Context, io.Reader) error) *cobra.Command {
	return &cobra.Command{
		Use:    name,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, os.Stdin)
		},
	}
}

func serve(configFile string) error {
	// Read the configuration file.
	log.Printf("Reading configuration from '%s'...\n", configFile)
	b, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("couldn't read %s: %s", configFile, err)
	}

	// Initialize our configuration and create the service.
	if err := config.Init(b); err != nil {
		return fmt.Errorf("couldn't initialize the configuration: %s", err)
	}
	logLevel := new(slog.LevelVar)
	if config.Service.Debug {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cache, err := store.Open(config.Service.DataDirectory, config.Service.CredentialKey)
	if err != nil {
		return err
	}
	defer cache.Close()
	children, err := supervisor.New()
	if err != nil {
		return err
	}
	factory := &replicas.Factory{
		Store:        cache,
		Tokens:       rucio.NewTokenCache(),
		Fetcher:      replicas.NewFetcher(replicas.DefaultWorkers),
		Supervisor:   children,
		Commands:     supervisor.ConfiguredCommands(),
		DownloadRoot: config.Service.DownloadRoot,
		Timeout:      time.Duration(config.Service.RequestTimeout) * time.Second,
	}
	service, err := services.New(factory)
	if err != nil {
		return fmt.Errorf("couldn't create the service: %s", err)
	}

	// Start the service in a goroutine so it doesn't block.
	go func() {
		err := service.Start(config.Service.Port)
		if err != nil {
			slog.Error(err.Error())
		}
	}()

	// Intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals, shutting down
	// the service as gracefully as possible if they are encountered.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// Block till we receive one of the above signals.
	<-sigChan

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Wait for connections to close until the deadline elapses. Running
	// download and upload children are left to finish on their own.
	service.Shutdown(ctx)
	slog.Info("Shutting down")
	return nil
}
