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

// Package submit is the submission controller: it transfers ownership of
// a flag to the team that presents it via POST /submit. The lookup and
// every rule check happen inside store.ClaimFlag's single transaction;
// this package translates the store's sentinel errors into the kinds the
// HTTP front-end reports.
package submit

import (
	"context"
	"errors"
	"fmt"

	"github.com/uwfcsc/ctfgameserver/internal/store"
)

// Kind identifies why a submission was rejected, serialized verbatim in
// the HTTP front-end's JSON error responses.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindAlreadyClaimed Kind = "already_claimed"
	KindSelfFlag       Kind = "self_flag"
	KindInProgress     Kind = "in_progress"
)

// Error wraps a rejected submission with its Kind.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	return fmt.Sprintf("submit: rejected: %s", e.Kind)
}

// Claimer is the subset of *store.Store the submission controller needs.
type Claimer interface {
	ClaimFlag(ctx context.Context, flagString string, submitterTeam int) error
}

// Submit looks up flagString and, if every claim rule passes, transfers
// its ownership to teamID.
func Submit(ctx context.Context, claimer Claimer, teamID int, flagString string) error {
	err := claimer.ClaimFlag(ctx, flagString, teamID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindUnknown}
	case errors.Is(err, store.ErrAlreadyClaimed):
		return &Error{Kind: KindAlreadyClaimed}
	case errors.Is(err, store.ErrSelfFlag):
		return &Error{Kind: KindSelfFlag}
	case errors.Is(err, store.ErrInProgress):
		return &Error{Kind: KindInProgress}
	default:
		return fmt.Errorf("submit: %w", err)
	}
}
