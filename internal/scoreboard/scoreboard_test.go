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

package scoreboard

import (
	"context"
	"testing"
	"time"

	"github.com/uwfcsc/ctfgameserver/internal/models"
)

type fakeReader struct {
	teams    []models.Team
	services []models.Service
	flags    []models.Flag
	checks   []models.CheckUp
}

func (f *fakeReader) GetAllTeams(ctx context.Context) ([]models.Team, error)       { return f.teams, nil }
func (f *fakeReader) GetAllServices(ctx context.Context) ([]models.Service, error) { return f.services, nil }
func (f *fakeReader) GetFinalizedFlags(ctx context.Context) ([]models.Flag, error) { return f.flags, nil }
func (f *fakeReader) GetFinalizedCheckUps(ctx context.Context) ([]models.CheckUp, error) {
	return f.checks, nil
}
func (f *fakeReader) GetCurrentTick(ctx context.Context) (int, time.Time, error) {
	return 3, time.Now(), nil
}
func (f *fakeReader) GetCurrentCheck(ctx context.Context) (int, error) { return 5, nil }

func intPtr(v int) *int { return &v }

func TestBuildScoreFormula(t *testing.T) {
	t.Parallel()

	r := &fakeReader{
		teams: []models.Team{
			{ID: 1, IP: "10.0.0.1", ArbitraryBonusPoints: 5},
			{ID: 2, IP: "10.0.0.2"},
		},
		services: []models.Service{
			{Name: "echo", AtkScore: 100, DefScore: 50, UpScore: 10},
		},
		flags: []models.Flag{
			// team 2's flag at tick 0, claimed by team 1: team 1 gets atk, team 2 gets no def (claimed).
			{Tick: 0, TeamID: 2, ServiceName: "echo", Defended: true, ClaimedBy: intPtr(1)},
			// team 1's flag at tick 1, defended and unclaimed: team 1 gets def.
			{Tick: 1, TeamID: 1, ServiceName: "echo", Defended: true, ClaimedBy: nil},
			// team 2's flag at tick 1, not defended: no credit.
			{Tick: 1, TeamID: 2, ServiceName: "echo", Defended: false, ClaimedBy: nil},
		},
		checks: []models.CheckUp{
			{CheckNumber: 0, TeamID: 1, ServiceName: "echo", Up: true},
			{CheckNumber: 0, TeamID: 2, ServiceName: "echo", Up: false},
			{CheckNumber: 1, TeamID: 1, ServiceName: "echo", Up: true},
		},
	}

	view, err := Build(context.Background(), r)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	byID := map[int]TeamTotal{}
	for _, tt := range view.Totals {
		byID[tt.Team.ID] = tt
	}

	t1 := byID[1]
	if t1.AtkScore != 100 {
		t.Errorf("team 1: expected atk_score 100, got %d", t1.AtkScore)
	}
	if t1.DefScore != 50 {
		t.Errorf("team 1: expected def_score 50, got %d", t1.DefScore)
	}
	if t1.UpScore != 20 {
		t.Errorf("team 1: expected up_score 20, got %d", t1.UpScore)
	}
	if t1.TotalScore != 100+50+20+5 {
		t.Errorf("team 1: expected total_score %d, got %d", 100+50+20+5, t1.TotalScore)
	}

	t2 := byID[2]
	if t2.AtkScore != 0 || t2.DefScore != 0 {
		t.Errorf("team 2: expected no atk/def credit, got atk=%d def=%d", t2.AtkScore, t2.DefScore)
	}
	if t2.UpScore != 0 {
		t.Errorf("team 2: expected up_score 0, got %d", t2.UpScore)
	}

	if view.CurrentTick != 3 || view.CurrentCheck != 5 {
		t.Errorf("expected current tick/check 3/5, got %d/%d", view.CurrentTick, view.CurrentCheck)
	}

	if len(view.Flags) != 3 || view.Flags[0].Tick != 1 {
		t.Errorf("expected flags sorted newest-tick-first, got %+v", view.Flags)
	}
	if len(view.CheckUps) != 3 || view.CheckUps[0].CheckNumber != 0 {
		t.Errorf("expected check-ups sorted oldest-check-first, got %+v", view.CheckUps)
	}
}
