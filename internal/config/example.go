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

package config

import (
	"io"
	"os"
	"strings"
)

// exampleConfig is emitted by WriteExample as a commented starting point
// for a new deployment.
const exampleConfig = `# flag_period and check_period are in seconds; round length decays
# exponentially from roughly 3x flag_period down to flag_period as ticks
# accumulate.
flag_period = 120
check_period = 60

# delay is the jitter bound in seconds applied before each sub-task starts.
delay = 5

# timeout is the per-subprocess timeout in seconds. Defaults to 15 if unset.
timeout = 15

db = "gameserver.sqlite3"
services_dir = "services"
log_directory = "logs"
bind_addr = "0.0.0.0:8080"
secret_key = "change-me"

# ignores lists service directory names under services_dir to skip.
ignores = []

# Supplementary, non-scoring ICMP reachability probe. Disabled by default.
ping_hosts = false
# ping_interval = 60
# ping_timeout = 5

# Each team must declare a stable numeric id and the IPv4 address of its
# host.
[[teams]]
id = 1
ip = "10.0.1.10"

[[teams]]
id = 2
ip = "10.0.2.10"
`

// WriteExample writes a commented example configuration file to path,
// failing if one already exists there.
func WriteExample(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, strings.NewReader(exampleConfig))
	return err
}
