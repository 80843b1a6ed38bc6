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

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/uwfcsc/ctfgameserver/internal/models"
	"github.com/uwfcsc/ctfgameserver/internal/store"
	"github.com/uwfcsc/ctfgameserver/internal/submit"
)

type fakeReader struct{}

func (fakeReader) GetAllTeams(ctx context.Context) ([]models.Team, error) {
	return []models.Team{{ID: 1, IP: "10.0.0.1"}}, nil
}
func (fakeReader) GetAllServices(ctx context.Context) ([]models.Service, error) {
	return []models.Service{{Name: "echo", AtkScore: 100, DefScore: 50, UpScore: 10}}, nil
}
func (fakeReader) GetFinalizedFlags(ctx context.Context) ([]models.Flag, error) { return nil, nil }
func (fakeReader) GetFinalizedCheckUps(ctx context.Context) ([]models.CheckUp, error) {
	return nil, nil
}
func (fakeReader) GetCurrentTick(ctx context.Context) (int, time.Time, error) {
	return 1, time.Now(), nil
}
func (fakeReader) GetCurrentCheck(ctx context.Context) (int, error) { return 1, nil }

type fakeClaimer struct{ err error }

func (f fakeClaimer) ClaimFlag(ctx context.Context, flagString string, submitterTeam int) error {
	return f.err
}

func newTestServer(t *testing.T, claimer submit.Claimer) *Server {
	t.Helper()
	s, err := New(fakeReader{}, claimer, 60, nil, log.New(ioutil.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.refresh(context.Background())
	return s
}

func TestServeFullRendersCachedPage(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Scoreboard")) {
		t.Errorf("expected rendered page to contain \"Scoreboard\", got %s", rec.Body.String())
	}
}

func TestHandleSubmitSuccess(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, fakeClaimer{})
	body, _ := json.Marshal(map[string]interface{}{"team_id": 1, "flag": "flag{x}"})
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSubmitUnconfiguredClaimer(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	body, _ := json.Marshal(map[string]interface{}{"team_id": 1, "flag": "flag{x}"})
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleSubmitRejection(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, fakeClaimer{err: store.ErrSelfFlag})
	body, _ := json.Marshal(map[string]interface{}{"team_id": 1, "flag": "flag{x}"})
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}
