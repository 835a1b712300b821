package vault

import (
	"github.com/fruitsalade/snapfolder/internal/events"
	"github.com/fruitsalade/snapfolder/pkg/models"
)

// Progress reports bytes moved by one operation.
type Progress struct {
	OpID    string
	Op      string
	Address models.Address
	Path    string
	Loaded  int64
	Total   int64 // -1 when unknown
}

// State is an operation's lifecycle stage.
type State string

const (
	Started   State = events.StateStarted
	Succeeded State = events.StateSucceeded
	Failed    State = events.StateFailed
)

// Status reports an operation changing state. Message carries a short
// user-facing cause on failure.
type Status struct {
	OpID    string
	Op      string
	State   State
	Address models.Address
	Path    string
	Message string
}

// OnProgress registers fn for progress updates. Delivery is asynchronous
// and drops updates for a slow fn. Call the returned function to stop.
func (v *Vault) OnProgress(fn func(Progress)) func() {
	return v.events.Listen(func(e events.Event) {
		fn(Progress{
			OpID:    e.OpID,
			Op:      e.Op,
			Address: models.Address(e.Address),
			Path:    e.Path,
			Loaded:  e.Loaded,
			Total:   e.Total,
		})
	}, events.TypeProgress)
}

// OnStatusChange registers fn for operation status changes. Every change
// is delivered, in order, however slow fn is. Call the returned function
// to stop.
func (v *Vault) OnStatusChange(fn func(Status)) func() {
	return v.events.Listen(func(e events.Event) {
		fn(Status{
			OpID:    e.OpID,
			Op:      e.Op,
			State:   State(e.State),
			Address: models.Address(e.Address),
			Path:    e.Path,
			Message: e.Message,
		})
	}, events.TypeStatus)
}
