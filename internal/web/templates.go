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

package web

// The three scoreboard views, kept as inline template strings so the
// binary is self-contained.

const fullPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Scoreboard</title></head>
<body>
<h1>Scoreboard</h1>
<p>Tick {{.View.CurrentTick}} &middot; Check {{.View.CurrentCheck}} &middot; next tick in {{FormatDuration .RoundRemaining}}</p>
<table border="1">
<tr><th>Team</th><th>Atk</th><th>Def</th><th>Up</th><th>Total</th>{{if .Reachability}}<th>Reachable</th>{{end}}</tr>
{{range .View.Totals}}
<tr>
<td>{{.Team.ID}}</td>
<td>{{.AtkScore}}</td>
<td>{{.DefScore}}</td>
<td>{{.UpScore}}</td>
<td>{{.TotalScore}}</td>
{{if $.Reachability}}<td>{{index $.Reachability .Team.ID}}</td>{{end}}
</tr>
{{end}}
</table>
</body>
</html>
`

const breakdownTemplate = `<!DOCTYPE html>
<html>
<head><title>Flag Breakdown</title></head>
<body>
<h1>Flag Breakdown</h1>
<table border="1">
<tr><th>Tick</th><th>Team</th><th>Service</th><th>Defended</th><th>Claimed By</th></tr>
{{range .View.Flags}}
<tr>
<td>{{.Tick}}</td>
<td>{{.TeamID}}</td>
<td>{{.ServiceName}}</td>
<td>{{.Defended}}</td>
<td>{{if .ClaimedBy}}{{.ClaimedBy}}{{else}}-{{end}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`

const checkUpTemplate = `<!DOCTYPE html>
<html>
<head><title>Check-up History</title></head>
<body>
<h1>Check-up History</h1>
<table border="1">
<tr><th>Check</th><th>Team</th><th>Service</th><th>Up</th></tr>
{{range .View.CheckUps}}
<tr>
<td>{{.CheckNumber}}</td>
<td>{{.TeamID}}</td>
<td>{{.ServiceName}}</td>
<td>{{.Up}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`
