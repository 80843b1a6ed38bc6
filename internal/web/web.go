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

// Package web is the HTTP front-end: it serves the scoreboard,
// breakdown/check_up partial views, and accepts flag submissions. Pages
// are re-rendered into byte buffers on a fixed interval behind a
// sync.RWMutex, so requests never block on a live query, only on a
// buffer swap.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/uwfcsc/ctfgameserver/internal/reachability"
	"github.com/uwfcsc/ctfgameserver/internal/roundlen"
	"github.com/uwfcsc/ctfgameserver/internal/scoreboard"
	"github.com/uwfcsc/ctfgameserver/internal/submit"
)

// pageData is what the templates render from.
type pageData struct {
	View           scoreboard.View
	RoundRemaining time.Duration
	Reachability   map[int]bool // team id -> last known ICMP reachability, nil map when disabled
}

// Server owns the cached, periodically re-rendered scoreboard pages and
// the mux.Router serving them.
type Server struct {
	reader     scoreboard.Reader
	claimer    submit.Claimer // nil disables POST /submit
	flagPeriod int
	probe      *reachability.Prober // nil when host reachability is disabled
	log        *log.Logger

	mu            sync.RWMutex
	fullPage      []byte
	breakdownPage []byte
	checkUpPage   []byte

	fullTmpl      *template.Template
	breakdownTmpl *template.Template
	checkUpTmpl   *template.Template
}

// New builds a Server. probe may be nil if host reachability is disabled
// in config. claimer may be nil, in which case POST /submit responds with
// 503 instead of processing claims.
func New(reader scoreboard.Reader, claimer submit.Claimer, flagPeriod int, probe *reachability.Prober, logger *log.Logger) (*Server, error) {
	funcs := template.FuncMap{"FormatDuration": formatRemaining}

	full, err := template.New("full").Funcs(funcs).Parse(fullPageTemplate)
	if err != nil {
		return nil, err
	}
	breakdown, err := template.New("breakdown").Funcs(funcs).Parse(breakdownTemplate)
	if err != nil {
		return nil, err
	}
	checkUp, err := template.New("check_up").Funcs(funcs).Parse(checkUpTemplate)
	if err != nil {
		return nil, err
	}

	return &Server{
		reader:        reader,
		claimer:       claimer,
		flagPeriod:    flagPeriod,
		probe:         probe,
		log:           logger,
		fullTmpl:      full,
		breakdownTmpl: breakdown,
		checkUpTmpl:   checkUp,
	}, nil
}

// Router builds the mux.Router serving the scoreboard pages and the
// submission endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.serveFull).Methods(http.MethodGet)
	r.HandleFunc("/breakdown", s.serveBreakdown).Methods(http.MethodGet)
	r.HandleFunc("/check_up", s.serveCheckUp).Methods(http.MethodGet)
	r.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
	return r
}

// RunContentUpdater re-renders all three cached pages every interval
// until ctx is cancelled.
func (s *Server) RunContentUpdater(ctx context.Context, interval time.Duration) {
	s.refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	view, err := scoreboard.Build(ctx, s.reader)
	if err != nil {
		s.log.Printf("web: refresh: %v", err)
		return
	}

	data := pageData{
		View:           view,
		RoundRemaining: time.Duration(roundlen.Calculate(view.CurrentTick, s.flagPeriod)) * time.Second,
	}
	if s.probe != nil {
		data.Reachability = s.probe.Snapshot()
	}

	var full, breakdown, checkUp bytes.Buffer
	if err := s.fullTmpl.Execute(&full, data); err != nil {
		s.log.Printf("web: render full: %v", err)
		return
	}
	if err := s.breakdownTmpl.Execute(&breakdown, data); err != nil {
		s.log.Printf("web: render breakdown: %v", err)
		return
	}
	if err := s.checkUpTmpl.Execute(&checkUp, data); err != nil {
		s.log.Printf("web: render check_up: %v", err)
		return
	}

	s.mu.Lock()
	s.fullPage = full.Bytes()
	s.breakdownPage = breakdown.Bytes()
	s.checkUpPage = checkUp.Bytes()
	s.mu.Unlock()
}

func (s *Server) serveFull(w http.ResponseWriter, r *http.Request) { s.servePage(w, &s.fullPage) }
func (s *Server) serveBreakdown(w http.ResponseWriter, r *http.Request) {
	s.servePage(w, &s.breakdownPage)
}
func (s *Server) serveCheckUp(w http.ResponseWriter, r *http.Request) { s.servePage(w, &s.checkUpPage) }

func (s *Server) servePage(w http.ResponseWriter, page *[]byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(*page)
}

type submitRequest struct {
	TeamID int    `json:"team_id"`
	Flag   string `json:"flag"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.claimer == nil {
		http.Error(w, `{"error":"submission not configured"}`, http.StatusServiceUnavailable)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request")
		return
	}

	err := submit.Submit(r.Context(), s.claimer, req.TeamID, req.Flag)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	var submitErr *submit.Error
	if errors.As(err, &submitErr) {
		writeJSONError(w, http.StatusBadRequest, string(submitErr.Kind))
		return
	}

	s.log.Printf("web: submit: %v", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func writeJSONError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind})
}

// formatRemaining renders a time.Duration as a compact "XhYmZs" string
// for the scoreboard's next-tick countdown.
func formatRemaining(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second

	out := ""
	if h > 0 {
		out += strconv.Itoa(int(h)) + "h"
	}
	if h > 0 || m > 0 {
		out += strconv.Itoa(int(m)) + "m"
	}
	out += strconv.Itoa(int(sec)) + "s"
	return out
}
