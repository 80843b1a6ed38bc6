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

// Package engine drives the two long-running loops that turn checker
// subprocess outcomes into durable scoring events: the flag loop plants
// and retrieves flags each tick, the check-up loop probes service
// liveness each check. Both fan out one goroutine per (team, service)
// pair and join the whole matrix before bumping the round counter.
package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uwfcsc/ctfgameserver/internal/catalog"
	"github.com/uwfcsc/ctfgameserver/internal/config"
	"github.com/uwfcsc/ctfgameserver/internal/flagtoken"
	"github.com/uwfcsc/ctfgameserver/internal/models"
	"github.com/uwfcsc/ctfgameserver/internal/roundlen"
	"github.com/uwfcsc/ctfgameserver/internal/supervisor"
)

// Engine owns the shared, immutable-after-construction handles the loops
// need: the store, the catalog, the team roster, and timing config. It
// carries no mutable fields of its own; all mutable state lives in the
// store.
type Engine struct {
	Store    Store
	Services []catalog.Entry
	Teams    []config.Team
	Cfg      config.Config
	Log      *log.Logger
}

// Store is the subset of *store.Store the engine needs, as an interface so
// tests can substitute a lighter fake without spinning up SQLite.
// *store.Store satisfies this as-is.
type Store interface {
	GetCurrentTick(ctx context.Context) (int, time.Time, error)
	GetCurrentCheck(ctx context.Context) (int, error)
	GetLastFlag(ctx context.Context, teamID int, serviceName string) (models.Flag, error)
	InsertFlag(ctx context.Context, tick, teamID int, serviceName, flag string, flagID *string) error
	UpdateDefense(ctx context.Context, tick, teamID int, serviceName string, defended bool) error
	InsertCheckup(ctx context.Context, checkNumber, teamID int, serviceName string, up bool, timestamp time.Time) error
	BumpTick(ctx context.Context) error
	BumpCheck(ctx context.Context) error
}

// RunFlagLoop runs the flag loop until ctx is cancelled. tickNumber and
// hasPrev seed the loop from persisted state; hasPrev is false only on a
// server's very first tick, when there is no prior flag to retrieve.
func (e *Engine) RunFlagLoop(ctx context.Context, tickNumber int, hasPrev bool) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deadline := time.Now().Add(time.Duration(roundlen.Calculate(tickNumber, e.Cfg.FlagPeriod)) * time.Second)
		e.Log.Printf("flag loop: tick=%d has_prev=%v round deadline=%s", tickNumber, hasPrev, deadline.Format(time.RFC3339))

		g, gctx := errgroup.WithContext(ctx)
		for _, team := range e.Teams {
			for _, svc := range e.Services {
				team, svc := team, svc
				g.Go(func() error {
					e.flagSubTask(gctx, tickNumber, hasPrev, team, svc)
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			e.Log.Printf("flag loop: tick=%d fan-out error: %v", tickNumber, err)
		}

		if err := bumpWithRetry(ctx, e.Store.BumpTick); err != nil {
			return fmt.Errorf("engine: bump tick: %w", err)
		}

		if remaining := time.Until(deadline); remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		hasPrev = true
		tickNumber++
	}
}

// flagSubTask runs the full per-(team,service) sequence for one tick:
// jitter, defense check of the prior flag, and planting of a new one.
func (e *Engine) flagSubTask(ctx context.Context, tick int, hasPrev bool, team config.Team, svc catalog.Entry) {
	if err := jitter(ctx, e.Cfg.Delay); err != nil {
		return
	}

	if hasPrev {
		e.checkDefense(ctx, tick, team, svc)
	}

	e.plantFlag(ctx, tick, team, svc)
}

func (e *Engine) checkDefense(ctx context.Context, tick int, team config.Team, svc catalog.Entry) {
	last, err := e.Store.GetLastFlag(ctx, team.ID, svc.Service.Name)
	if err != nil {
		e.Log.Printf("flag loop: tick=%d team=%d svc=%s: no prior flag: %v", tick, team.ID, svc.Service.Name, err)
		return
	}

	argv := []string{team.IP, fmt.Sprintf("%d", svc.Service.Port)}
	if last.FlagID != nil {
		argv = append(argv, *last.FlagID)
	}

	logDir := e.subprocessLogDir("get_flag", team.ID, tick, svc.Service.Name)
	result, err := supervisor.Run(ctx, svc.GetFlagPath, svc.BaseDir, argv, e.timeout(), logDir)

	defended := false
	if err == nil {
		got, strErr := result.TrimmedString()
		defended = strErr == nil && got == last.Flag
	} else {
		e.Log.Printf("flag loop: tick=%d team=%d svc=%s: get_flag failed: %v", tick, team.ID, svc.Service.Name, err)
	}

	if err := e.Store.UpdateDefense(ctx, last.Tick, team.ID, svc.Service.Name, defended); err != nil {
		e.Log.Printf("flag loop: tick=%d team=%d svc=%s: update_defense: %v", tick, team.ID, svc.Service.Name, err)
	}
}

func (e *Engine) plantFlag(ctx context.Context, tick int, team config.Team, svc catalog.Entry) {
	flag := flagtoken.Generate(tick, team.ID, svc.Service.Name, e.Cfg.SecretKey)
	argv := []string{team.IP, fmt.Sprintf("%d", svc.Service.Port), flag}

	logDir := e.subprocessLogDir("set_flag", team.ID, tick, svc.Service.Name)
	result, err := supervisor.Run(ctx, svc.SetFlagPath, svc.BaseDir, argv, e.timeout(), logDir)

	var flagID *string
	if err == nil {
		if trimmed, strErr := result.TrimmedString(); strErr == nil && trimmed != "" {
			flagID = &trimmed
		}
	} else {
		e.Log.Printf("flag loop: tick=%d team=%d svc=%s: set_flag failed: %v", tick, team.ID, svc.Service.Name, err)
	}

	if err := e.Store.InsertFlag(ctx, tick, team.ID, svc.Service.Name, flag, flagID); err != nil {
		e.Log.Printf("flag loop: tick=%d team=%d svc=%s: insert_flag: %v", tick, team.ID, svc.Service.Name, err)
	}
}

// RunCheckLoop runs the check-up loop until ctx is cancelled.
func (e *Engine) RunCheckLoop(ctx context.Context, checkNumber int) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deadline := time.Now().Add(time.Duration(e.Cfg.CheckPeriod) * time.Second)
		e.Log.Printf("check loop: check=%d", checkNumber)

		g, gctx := errgroup.WithContext(ctx)
		for _, team := range e.Teams {
			for _, svc := range e.Services {
				team, svc := team, svc
				g.Go(func() error {
					e.checkSubTask(gctx, checkNumber, team, svc)
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			e.Log.Printf("check loop: check=%d fan-out error: %v", checkNumber, err)
		}

		if err := bumpWithRetry(ctx, e.Store.BumpCheck); err != nil {
			return fmt.Errorf("engine: bump check: %w", err)
		}

		if remaining := time.Until(deadline); remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		checkNumber++
	}
}

func (e *Engine) checkSubTask(ctx context.Context, checkNumber int, team config.Team, svc catalog.Entry) {
	if err := jitter(ctx, e.Cfg.Delay); err != nil {
		return
	}

	argv := []string{team.IP, fmt.Sprintf("%d", svc.Service.Port)}
	logDir := filepath.Join(e.Cfg.LogDirectory, "check_up", fmt.Sprintf("team_%02d", team.ID), svc.Service.Name)
	_ = os.MkdirAll(logDir, 0o755)

	_, err := supervisor.Run(ctx, svc.CheckUpPath, svc.BaseDir, argv, e.timeout(), logDir)
	up := err == nil
	if err != nil {
		e.Log.Printf("check loop: check=%d team=%d svc=%s: %v", checkNumber, team.ID, svc.Service.Name, err)
	}

	if err := e.Store.InsertCheckup(ctx, checkNumber, team.ID, svc.Service.Name, up, time.Now()); err != nil {
		e.Log.Printf("check loop: check=%d team=%d svc=%s: insert_checkup: %v", checkNumber, team.ID, svc.Service.Name, err)
	}
}

// bumpWithRetry retries a failed tick/check bump a few times before
// giving up. A round boundary that cannot be committed halts the loop;
// anything transient gets another chance first.
func bumpWithRetry(ctx context.Context, bump func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = bump(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *Engine) timeout() time.Duration {
	return time.Duration(e.Cfg.Timeout) * time.Second
}

// subprocessLogDir builds the
// <log_directory>/{get_flag,set_flag}/team_<id>/tick_<NNN>/<service>
// layout, creating it lazily.
func (e *Engine) subprocessLogDir(kind string, teamID, tick int, serviceName string) string {
	dir := filepath.Join(e.Cfg.LogDirectory, kind, fmt.Sprintf("team_%02d", teamID), fmt.Sprintf("tick_%03d", tick), serviceName)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

// jitter sleeps a uniformly random duration in [0, boundSeconds) or
// returns ctx.Err() if ctx is cancelled first. A per-goroutine rand source
// avoids contention on the global source's lock under concurrent fan-out.
func jitter(ctx context.Context, boundSeconds int) error {
	if boundSeconds <= 0 {
		return nil
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	d := time.Duration(r.Int63n(int64(boundSeconds) * int64(time.Second)))
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
