package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebuddy/internal/auth"
	"github.com/michaelbrown/codebuddy/internal/logging"
	"github.com/michaelbrown/codebuddy/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codebuddy server",
	Long: `Start the codebuddy HTTP server with the WebSocket live channel at /ws
and the REST API under /api. The operator console is served at the root URL.

Examples:
  codebuddy serve
  codebuddy serve --port 9090 --executor inprocess`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.For("serve")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	exec, closeExec, err := openExecutor(cfg)
	if err != nil {
		return err
	}
	defer closeExec()

	eng := newEngine(cfg, exec, server.RunRecorder(store))

	tokens := cfg.Auth.TokenTable()
	if len(tokens) == 0 {
		log.Warn("no auth tokens configured; the programs API will reject every request")
	}
	srv := server.New(eng, store, auth.NewStaticTokens(tokens))

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}
	log.WithField("executor", exec.Name()).Infof("languages: %v", eng.Languages())

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()

	if err := srv.Start(port); err != nil {
		return err
	}
	<-done
	return nil
}
