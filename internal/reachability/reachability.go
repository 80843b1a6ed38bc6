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

// Package reachability is the supplementary host reachability probe: an
// ICMP liveness signal per team host, surfaced on the scoreboard but
// never affecting atk/def/up scores. It answers "is the box even
// reachable" independently of whether the check_up checker succeeds.
package reachability

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sparrc/go-ping"

	"github.com/uwfcsc/ctfgameserver/internal/config"
)

// Prober pings every team's host on an interval and keeps the most recent
// result available for readers without blocking on the network.
type Prober struct {
	teams    []config.Team
	interval time.Duration
	timeout  time.Duration
	log      *log.Logger

	mu    sync.RWMutex
	state map[int]bool
}

// New builds a Prober for teams, pinging every interval with the given
// per-host timeout.
func New(teams []config.Team, interval, timeout time.Duration, logger *log.Logger) *Prober {
	return &Prober{
		teams:    teams,
		interval: interval,
		timeout:  timeout,
		log:      logger,
		state:    make(map[int]bool, len(teams)),
	}
}

// Run pings every team host once per interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.pingAll()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pingAll()
		}
	}
}

func (p *Prober) pingAll() {
	var wg sync.WaitGroup
	for _, team := range p.teams {
		team := team
		wg.Add(1)
		go func() {
			defer wg.Done()
			up := p.pingOne(team.IP)
			p.mu.Lock()
			p.state[team.ID] = up
			p.mu.Unlock()
		}()
	}
	wg.Wait()
}

// pingOne sends up to 3 ICMP echo requests; the host counts as reachable
// if any reply arrives within the timeout.
func (p *Prober) pingOne(ip string) bool {
	pinger, err := ping.NewPinger(ip)
	if err != nil {
		p.log.Printf("reachability: %s: %v", ip, err)
		return false
	}
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(true)
	pinger.Count = 3
	pinger.Run()

	return pinger.Statistics().PacketsRecv != 0
}

// Snapshot returns a copy of the most recent per-team reachability state.
func (p *Prober) Snapshot() map[int]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[int]bool, len(p.state))
	for id, up := range p.state {
		out[id] = up
	}
	return out
}
