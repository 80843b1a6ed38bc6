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

// Package models holds the plain data types shared by the store, engine,
// and scoreboard packages. None of these types carry behavior beyond small
// helpers; the lifecycle rules live in the packages that mutate them.
package models

import "time"

// Team is a competing team, created once at startup from config.
type Team struct {
	ID                   int    `db:"id"`
	IP                   string `db:"ip"`
	ArbitraryBonusPoints int    `db:"arbitrary_bonus_points"`
}

// Service is one registered, immutable-after-load service.
type Service struct {
	Name     string `db:"name"`
	Port     int    `db:"port"`
	AtkScore int    `db:"atk_score"`
	DefScore int    `db:"def_score"`
	UpScore  int    `db:"up_score"`
}

// Tick is the singleton round-tracking row.
type Tick struct {
	CurrentTick  int       `db:"current_tick"`
	StartTime    time.Time `db:"start_time"`
	CurrentCheck int       `db:"current_check"`
}

// Flag is one planted-flag record, keyed by (Tick, TeamID, ServiceName).
type Flag struct {
	Tick        int       `db:"tick"`
	TeamID      int       `db:"team_id"`
	ServiceName string    `db:"service_name"`
	Flag        string    `db:"flag"`
	FlagID      *string   `db:"flag_id"`
	InProgress  bool      `db:"in_progress"`
	ClaimedBy   *int      `db:"claimed_by"`
	Defended    bool      `db:"defended"`
	Created     time.Time `db:"created"`
}

// IsClaimed reports whether another team has claimed this flag.
func (f Flag) IsClaimed() bool {
	return f.ClaimedBy != nil
}

// CheckUp is one liveness-check record, keyed by (CheckNumber, TeamID, ServiceName).
type CheckUp struct {
	CheckNumber int       `db:"check_number"`
	TeamID      int       `db:"team_id"`
	ServiceName string    `db:"service_name"`
	InProgress  bool      `db:"in_progress"`
	Up          bool      `db:"up"`
	Timestamp   time.Time `db:"timestamp"`
}
