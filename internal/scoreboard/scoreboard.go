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

// Package scoreboard computes team totals and per-tick/per-check grids
// from persisted records, the read-side counterpart to the store's
// write-side bookkeeping. Scores are recomputed from history on each
// build rather than maintained incrementally, since a late claim changes
// what an earlier row is worth.
package scoreboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/uwfcsc/ctfgameserver/internal/models"
)

// TeamTotal is one team's derived score breakdown.
type TeamTotal struct {
	Team       models.Team
	AtkScore   int
	DefScore   int
	UpScore    int
	TotalScore int
}

// View is the full aggregated scoreboard: totals plus the two history
// grids.
type View struct {
	Totals       []TeamTotal
	CurrentTick  int
	CurrentCheck int
	Flags        []models.Flag    // newest tick first, in_progress excluded
	CheckUps     []models.CheckUp // oldest check first, in_progress excluded
}

// Reader is the subset of *store.Store the aggregator needs.
type Reader interface {
	GetAllTeams(ctx context.Context) ([]models.Team, error)
	GetAllServices(ctx context.Context) ([]models.Service, error)
	GetFinalizedFlags(ctx context.Context) ([]models.Flag, error)
	GetFinalizedCheckUps(ctx context.Context) ([]models.CheckUp, error)
	GetCurrentTick(ctx context.Context) (int, time.Time, error)
	GetCurrentCheck(ctx context.Context) (int, error)
}

// Build computes the full scoreboard view.
func Build(ctx context.Context, r Reader) (View, error) {
	teams, err := r.GetAllTeams(ctx)
	if err != nil {
		return View{}, fmt.Errorf("scoreboard: teams: %w", err)
	}
	services, err := r.GetAllServices(ctx)
	if err != nil {
		return View{}, fmt.Errorf("scoreboard: services: %w", err)
	}
	flags, err := r.GetFinalizedFlags(ctx)
	if err != nil {
		return View{}, fmt.Errorf("scoreboard: flags: %w", err)
	}
	checks, err := r.GetFinalizedCheckUps(ctx)
	if err != nil {
		return View{}, fmt.Errorf("scoreboard: check-ups: %w", err)
	}
	currentTick, _, err := r.GetCurrentTick(ctx)
	if err != nil {
		return View{}, fmt.Errorf("scoreboard: current tick: %w", err)
	}
	currentCheck, err := r.GetCurrentCheck(ctx)
	if err != nil {
		return View{}, fmt.Errorf("scoreboard: current check: %w", err)
	}

	serviceScores := make(map[string]models.Service, len(services))
	for _, s := range services {
		serviceScores[s.Name] = s
	}

	totals := make(map[int]*TeamTotal, len(teams))
	for _, t := range teams {
		totals[t.ID] = &TeamTotal{Team: t}
	}

	for _, f := range flags {
		svc, ok := serviceScores[f.ServiceName]
		if !ok {
			continue
		}
		if f.ClaimedBy != nil {
			if tt, ok := totals[*f.ClaimedBy]; ok {
				tt.AtkScore += svc.AtkScore
			}
		}
		if f.Defended && f.ClaimedBy == nil {
			if tt, ok := totals[f.TeamID]; ok {
				tt.DefScore += svc.DefScore
			}
		}
	}

	for _, c := range checks {
		if !c.Up {
			continue
		}
		svc, ok := serviceScores[c.ServiceName]
		if !ok {
			continue
		}
		if tt, ok := totals[c.TeamID]; ok {
			tt.UpScore += svc.UpScore
		}
	}

	out := make([]TeamTotal, 0, len(totals))
	for _, t := range teams {
		tt := *totals[t.ID]
		tt.TotalScore = tt.AtkScore + tt.DefScore + tt.UpScore + t.ArbitraryBonusPoints
		out = append(out, tt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalScore > out[j].TotalScore })

	sort.Slice(flags, func(i, j int) bool { return flags[i].Tick > flags[j].Tick })
	sort.SliceStable(checks, func(i, j int) bool { return checks[i].CheckNumber < checks[j].CheckNumber })

	return View{
		Totals:       out,
		CurrentTick:  currentTick,
		CurrentCheck: currentCheck,
		Flags:        flags,
		CheckUps:     checks,
	}, nil
}
