// Package sync keeps the local store coherent with the server: the
// mailbox-list syncer, the per-mailbox email syncers with their watcher
// sessions, the continuous query watcher and the detail fetcher.
package sync

import (
	"context"

	"github.com/simophin/mymail/common/syncutil"
	"github.com/simophin/mymail/internal/mymail/jmap"
)

// QueryPhase is the discriminator of an EmailQueryState.
type QueryPhase string

const (
	PhaseNotStarted QueryPhase = "NotStarted"
	PhaseInProgress QueryPhase = "InProgress"
	PhaseError      QueryPhase = "Error"
	PhaseUpToDate   QueryPhase = "UpToDate"
)

// EmailQueryState is the observable progress of a watched mailbox or
// query. Transitions follow NotStarted, then alternating InProgress and
// UpToDate/Error.
type EmailQueryState struct {
	State   QueryPhase `json:"state"`
	Details string     `json:"details,omitempty"`
}

// StateNotStarted is the initial state of every watcher channel.
var StateNotStarted = EmailQueryState{State: PhaseNotStarted}

// StateInProgress marks a sync pass in flight.
var StateInProgress = EmailQueryState{State: PhaseInProgress}

// StateUpToDate marks a completed sync pass.
var StateUpToDate = EmailQueryState{State: PhaseUpToDate}

// StateError marks a failed sync pass; the job keeps looping.
func StateError(err error) EmailQueryState {
	return EmailQueryState{State: PhaseError, Details: err.Error()}
}

// API is the subset of the JMAP client the sync tasks drive. Tests provide
// fakes; production wires *jmap.Client.
type API interface {
	SubscribePushes() *syncutil.BroadcastSub[*jmap.StateChange]
	QueryMailboxes(ctx context.Context) (*jmap.QueryResponse, error)
	GetMailboxes(ctx context.Context, ids []string) (*jmap.MailboxGetResponse, error)
	MailboxChanges(ctx context.Context, sinceState string) (*jmap.ChangesResponse, error)
	QueryEmails(ctx context.Context, query jmap.EmailQuery) (*jmap.QueryResponse, error)
	EmailChanges(ctx context.Context, sinceState string) (*jmap.ChangesResponse, error)
	GetEmails(ctx context.Context, ids []string, properties []string) (*jmap.EmailGetResponse, error)
	GetEmailDetails(ctx context.Context, id string) (*jmap.Email, error)
}
