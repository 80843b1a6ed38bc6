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

// Package flagtoken derives deterministic flag strings from round state.
package flagtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Generate derives the flag string planted for (tick, teamID, serviceName)
// under secret. Same inputs always produce the same output; in practice
// uniqueness comes from tick increasing every round.
func Generate(tick, teamID int, serviceName, secret string) string {
	payload := fmt.Sprintf("tick=%d|team=%d|svc=%s", tick, teamID, serviceName)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	digest := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("flag{%s|hmac=%s}", payload, digest)
}
