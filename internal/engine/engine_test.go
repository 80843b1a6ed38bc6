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

package engine

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uwfcsc/ctfgameserver/internal/catalog"
	"github.com/uwfcsc/ctfgameserver/internal/config"
	"github.com/uwfcsc/ctfgameserver/internal/models"
)

// fakeStore is an in-memory stand-in for *store.Store.
type fakeStore struct {
	mu sync.Mutex

	lastFlags  map[string]models.Flag
	inserted   []models.Flag
	defenses   map[string]bool
	checkups   int
	tickBumps  int
	checkBumps int

	onBumpTick func(insertedSoFar int)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lastFlags: map[string]models.Flag{},
		defenses:  map[string]bool{},
	}
}

func key(teamID int, svc string) string {
	return filepath.Join(svc, string(rune('0'+teamID)))
}

func (f *fakeStore) GetCurrentTick(ctx context.Context) (int, time.Time, error) {
	return 0, time.Now(), nil
}

func (f *fakeStore) GetCurrentCheck(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeStore) GetLastFlag(ctx context.Context, teamID int, serviceName string) (models.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag, ok := f.lastFlags[key(teamID, serviceName)]
	if !ok {
		return models.Flag{}, os.ErrNotExist
	}
	return flag, nil
}

func (f *fakeStore) InsertFlag(ctx context.Context, tick, teamID int, serviceName, flag string, flagID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, models.Flag{Tick: tick, TeamID: teamID, ServiceName: serviceName, Flag: flag, FlagID: flagID})
	f.lastFlags[key(teamID, serviceName)] = models.Flag{Tick: tick, TeamID: teamID, ServiceName: serviceName, Flag: flag, FlagID: flagID}
	return nil
}

func (f *fakeStore) UpdateDefense(ctx context.Context, tick, teamID int, serviceName string, defended bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defenses[key(teamID, serviceName)] = defended
	return nil
}

func (f *fakeStore) InsertCheckup(ctx context.Context, checkNumber, teamID int, serviceName string, up bool, timestamp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkups++
	return nil
}

func (f *fakeStore) BumpTick(ctx context.Context) error {
	f.mu.Lock()
	f.tickBumps++
	inserted := len(f.inserted)
	hook := f.onBumpTick
	f.mu.Unlock()
	if hook != nil {
		hook(inserted)
	}
	return nil
}

func (f *fakeStore) BumpCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkBumps++
	return nil
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := ioutil.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func testService(t *testing.T, name string) catalog.Entry {
	t.Helper()
	dir := t.TempDir()
	return catalog.Entry{
		Service:     models.Service{Name: name, Port: 7, AtkScore: 100, DefScore: 50, UpScore: 10},
		BaseDir:     dir,
		GetFlagPath: writeScript(t, dir, "get_flag", `printf '%s' "$3"`),
		SetFlagPath: writeScript(t, dir, "set_flag", `printf ''`),
		CheckUpPath: writeScript(t, dir, "check_up", `exit 0`),
	}
}

func testEngine(t *testing.T, fs *fakeStore, svc catalog.Entry) *Engine {
	return &Engine{
		Store:    fs,
		Services: []catalog.Entry{svc},
		Teams:    []config.Team{{ID: 1, IP: "127.0.0.1"}},
		Cfg: config.Config{
			FlagPeriod:   30,
			CheckPeriod:  30,
			Delay:        0,
			Timeout:      2,
			SecretKey:    "s3cr3t",
			LogDirectory: t.TempDir(),
		},
		Log: log.New(ioutil.Discard, "", 0),
	}
}

func TestPlantFlagInsertsRow(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	svc := testService(t, "echo")
	e := testEngine(t, fs, svc)

	e.plantFlag(context.Background(), 0, e.Teams[0], svc)

	if len(fs.inserted) != 1 {
		t.Fatalf("expected 1 inserted flag, got %d", len(fs.inserted))
	}
	if fs.inserted[0].FlagID != nil {
		t.Errorf("expected nil flag_id for empty set_flag output, got %v", *fs.inserted[0].FlagID)
	}
}

func TestCheckDefenseMatchesEchoedFlag(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	svc := testService(t, "echo")
	e := testEngine(t, fs, svc)

	// The stub get_flag echoes its flag_id argument back, so a prior flag
	// whose flag_id equals the flag string round-trips exactly.
	priorFlag := "flag{tick=0|team=1|svc=echo|hmac=deadbeef}"
	fid := priorFlag
	fs.lastFlags[key(1, "echo")] = models.Flag{Tick: 0, TeamID: 1, ServiceName: "echo", Flag: priorFlag, FlagID: &fid}

	e.checkDefense(context.Background(), 1, e.Teams[0], svc)

	if !fs.defenses[key(1, "echo")] {
		t.Errorf("expected defended=true when get_flag echoes the prior flag back")
	}
}

func TestCheckDefenseFailsClosedOnTimeout(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	dir := t.TempDir()
	svc := catalog.Entry{
		Service:     models.Service{Name: "slow"},
		BaseDir:     dir,
		GetFlagPath: writeScript(t, dir, "get_flag", `sleep 5`),
		SetFlagPath: writeScript(t, dir, "set_flag", `printf ''`),
		CheckUpPath: writeScript(t, dir, "check_up", `exit 0`),
	}
	e := testEngine(t, fs, svc)
	e.Cfg.Timeout = 1

	fs.lastFlags[key(1, "slow")] = models.Flag{Tick: 0, TeamID: 1, ServiceName: "slow", Flag: "flag{x}"}

	start := time.Now()
	e.checkDefense(context.Background(), 1, e.Teams[0], svc)
	elapsed := time.Since(start)

	if fs.defenses[key(1, "slow")] {
		t.Errorf("expected defended=false when get_flag times out")
	}
	if elapsed > 3*time.Second {
		t.Errorf("expected the timeout to bound elapsed time, took %s", elapsed)
	}
}

func TestFlagLoopJoinsFanOutBeforeBump(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	svc := testService(t, "echo")
	e := testEngine(t, fs, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs.onBumpTick = func(insertedSoFar int) {
		if insertedSoFar < 1 {
			t.Errorf("tick bumped before any flag was inserted")
		}
		cancel()
	}

	if err := e.RunFlagLoop(ctx, 0, false); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fs.tickBumps != 1 {
		t.Errorf("expected exactly 1 tick bump, got %d", fs.tickBumps)
	}
}

func TestCheckSubTaskRecordsCheckup(t *testing.T) {
	t.Parallel()

	fs := newFakeStore()
	svc := testService(t, "echo")
	e := testEngine(t, fs, svc)

	e.checkSubTask(context.Background(), 0, e.Teams[0], svc)

	if fs.checkups != 1 {
		t.Errorf("expected 1 recorded check-up, got %d", fs.checkups)
	}
}
