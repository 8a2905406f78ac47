package hybrid

import (
	"errors"
	"fmt"

	"pulse/internal/domain"
)

var ErrNoRemote = errors.New("no remote storage configured")

// RemoteUnavailableError is returned when an explicit switch to Remote mode
// fails its reachability check. The previous mode stays in effect.
type RemoteUnavailableError struct {
	Err error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("remote storage unavailable: %v", e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error {
	return e.Err
}

// QueueReplayError names the queued entry that halted a flush pass. The
// entry and everything queued after it stay in the queue.
type QueueReplayError struct {
	Entry domain.QueueEntry
	Err   error
}

func (e *QueueReplayError) Error() string {
	return fmt.Sprintf("replay %s of record %s (seq %d): %v", e.Entry.Action, e.Entry.Record.ID, e.Entry.Seq, e.Err)
}

func (e *QueueReplayError) Unwrap() error {
	return e.Err
}
