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

package roundlen

import "testing"

func TestCalculateStartsAtTripleThePeriod(t *testing.T) {
	t.Parallel()

	if got := Calculate(0, 120); got != 360 {
		t.Errorf("expected tick 0 round length 360s for a 120s period, got %d", got)
	}
}

func TestCalculateDecaysTowardThePeriod(t *testing.T) {
	t.Parallel()

	prev := Calculate(0, 120)
	for tick := 1; tick < 50; tick++ {
		cur := Calculate(tick, 120)
		if cur > prev {
			t.Fatalf("round length grew from %d to %d at tick %d", prev, cur, tick)
		}
		prev = cur
	}

	if prev != 120 {
		t.Errorf("expected round length to settle at the 120s period, got %d", prev)
	}
}
