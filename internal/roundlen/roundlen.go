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

// Package roundlen computes the variable flag-round length shared by the
// flag loop and the scoreboard's "time remaining" display.
package roundlen

import "math"

// Calculate returns the length, in seconds, of the tick-th flag round given
// a base flagPeriod (seconds). Round length decays exponentially from
// roughly 3*flagPeriod toward flagPeriod as tick grows, giving early rounds
// headroom while services warm up.
func Calculate(tick int, flagPeriodSeconds int) int64 {
	p := float64(flagPeriodSeconds) / 60.0
	n := float64(tick)

	minutes := 2*p*math.Exp(-2*n/p) + p
	return int64(math.Floor(60 * minutes))
}
