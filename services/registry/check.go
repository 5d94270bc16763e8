package registry

import "time"

// ApplyCheck records one verification outcome on e. The status timestamp only
// moves when the status changes, the online counter only moves for Online and
// the check counter always moves, so UptimeCheckCount never drops below
// UptimeCount. Deregistered entries are terminal and left untouched.
func (e *Entry) ApplyCheck(status Status, at time.Time) (previous Status, applied bool) {
	previous = e.Status
	if previous == StatusDeregistered {
		return previous, false
	}
	if previous != status {
		e.Status = status
		e.StatusUpdatedAt = at
	}
	if status == StatusOnline {
		e.UptimeCount++
	}
	e.UptimeCheckCount++
	e.LastUptimeCheck = at
	e.UpdatedAt = at
	return previous, true
}

// Deregister moves e to the terminal state. It reports false when e already
// was Deregistered.
func (e *Entry) Deregister(at time.Time) bool {
	if e.Status == StatusDeregistered {
		return false
	}
	e.Status = StatusDeregistered
	e.StatusUpdatedAt = at
	e.UpdatedAt = at
	return true
}

// Candidate projects e onto the fields used for re-verification.
func (e Entry) Candidate() CheckCandidate {
	return CheckCandidate{
		ID:               e.ID,
		AssetIdentifier:  e.AssetIdentifier,
		MetadataVersion:  e.MetadataVersion,
		APIBaseURL:       e.APIBaseURL,
		AgentCardURL:     e.AgentCardURL,
		Status:           e.Status,
		LastUptimeCheck:  e.LastUptimeCheck,
		UptimeCount:      e.UptimeCount,
		UptimeCheckCount: e.UptimeCheckCount,
		UpdatedAt:        e.UpdatedAt,
	}
}

// dbTime truncates to the microsecond precision of timestamptz so values
// written and read back compare equal.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
