// casewatch is the Portal scrape coordination service: adaptive scheduler,
// three-lane job queue, pooled headless browsers, CAPTCHA chain, and
// snapshot-based change detection, behind a small control API.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/casewatch/casewatch/internal/buildinfo"
	"github.com/casewatch/casewatch/internal/config"
)

func main() {
	log.Printf("[main] casewatch %s (commit %s, built %s)",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	cfg, err := config.LoadEnvConfig()
	if err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Printf("[main] startup: %v", err)
		os.Exit(1)
	}
	a.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] received %s, shutting down", sig)

	a.Stop()
	log.Printf("[main] bye")
}
