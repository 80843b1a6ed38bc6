// Copyright 2019 Michael Mitchell
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gameserver loads configuration, opens the store, loads the
// service catalog, and runs the flag loop, check-up loop, optional host
// reachability prober, and HTTP front-end concurrently until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uwfcsc/ctfgameserver/internal/catalog"
	"github.com/uwfcsc/ctfgameserver/internal/config"
	"github.com/uwfcsc/ctfgameserver/internal/engine"
	"github.com/uwfcsc/ctfgameserver/internal/reachability"
	"github.com/uwfcsc/ctfgameserver/internal/store"
	"github.com/uwfcsc/ctfgameserver/internal/web"
)

// shutdownGrace bounds how long main waits for the long-running loops and
// the HTTP server to unwind after a signal.
const shutdownGrace = 10 * time.Second

var (
	configPath string
	debug      bool
	buildCfg   bool

	ilog *log.Logger
	dlog *log.Logger
)

func init() {
	cwd, _ := os.Getwd()

	flag.StringVar(&configPath, "c", "", "Specify a custom config file location")
	flag.BoolVar(&debug, "d", false, "Print debug messages")
	flag.BoolVar(&buildCfg, "buildcfg", false, "Output an example configuration file to "+cwd+"/config.toml")
}

func main() {
	flag.Parse()

	ilog = log.New(os.Stdout, "", log.LstdFlags)
	if debug {
		dlog = log.New(os.Stderr, "DBG: ", log.Ltime)
	} else {
		dlog = log.New(ioutil.Discard, "", 0)
	}

	if buildCfg {
		if err := config.WriteExample("config.toml"); err != nil {
			ilog.Fatalf("writing example config: %v", err)
		}
		ilog.Println("wrote example config.toml")
		os.Exit(0)
	}

	cfg, resolvedConfigPath, err := config.Load(configPath)
	if err != nil {
		ilog.Println("critical configuration error:", err)
		ilog.Println("run with -buildcfg to generate an example config, or -c to point at one")
		os.Exit(1)
	}
	dlog.Printf("loaded config from %s: %+v", resolvedConfigPath, cfg)

	if err := run(cfg, resolvedConfigPath); err != nil {
		ilog.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, resolvedConfigPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := db.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap store: %w", err)
	}
	if err := db.ClearInProgress(ctx); err != nil {
		return fmt.Errorf("clear in-progress rows: %w", err)
	}

	for _, team := range cfg.Teams {
		if err := db.UpsertTeam(ctx, team.ID, team.IP); err != nil {
			return fmt.Errorf("register team %d: %w", team.ID, err)
		}
	}

	servicesDir := config.AbsServicesDir(resolvedConfigPath, cfg)
	services, err := catalog.Load(servicesDir, cfg.IgnoreSet(), db, ilog)
	if err != nil {
		return fmt.Errorf("load service catalog: %w", err)
	}
	if len(services) == 0 {
		ilog.Println("warning: no services loaded from", servicesDir)
	}

	tickNumber, _, err := db.GetCurrentTick(ctx)
	if err != nil {
		return fmt.Errorf("read current tick: %w", err)
	}
	checkNumber, err := db.GetCurrentCheck(ctx)
	if err != nil {
		return fmt.Errorf("read current check: %w", err)
	}

	eng := &engine.Engine{
		Store:    db,
		Services: services,
		Teams:    cfg.Teams,
		Cfg:      cfg,
		Log:      ilog,
	}

	var prober *reachability.Prober
	if cfg.PingHosts {
		prober = reachability.New(cfg.Teams, time.Duration(cfg.PingInterval)*time.Second, time.Duration(cfg.PingTimeout)*time.Second, ilog)
	}

	srv, err := web.New(db, db, cfg.FlagPeriod, prober, ilog)
	if err != nil {
		return fmt.Errorf("build web server: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	loopErrCh := make(chan error, 2)
	httpErrCh := make(chan error, 1)

	go func() { loopErrCh <- eng.RunFlagLoop(ctx, tickNumber, tickNumber > 0) }()
	go func() { loopErrCh <- eng.RunCheckLoop(ctx, checkNumber) }()
	if prober != nil {
		go prober.Run(ctx)
	}
	go srv.RunContentUpdater(ctx, time.Second)
	go func() {
		ilog.Println("listening on", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// A dead loop is logged but does not take the process down: the other
	// loop and the scoreboard keep running until a signal arrives. A dead
	// HTTP server is fatal.
	loopsRunning := 2
	var fatal error
wait:
	for {
		select {
		case sig := <-sigCh:
			ilog.Println("received", sig, "shutting down")
			break wait
		case err := <-loopErrCh:
			ilog.Println("loop exited:", err)
			loopsRunning--
		case fatal = <-httpErrCh:
			break wait
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		ilog.Println("http shutdown:", err)
	}
	for ; loopsRunning > 0; loopsRunning-- {
		select {
		case <-loopErrCh:
		case <-shutdownCtx.Done():
			ilog.Println("shutdown grace period expired with loops still running")
			return fatal
		}
	}

	return fatal
}
