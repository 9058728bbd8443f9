// Package status persists deployment records.
//
// Each deployment id owns a directory under the deployments root holding a
// status.xml record, the deployment log and the output manifest. A record
// that cannot be read back is treated as lost: the directory is removed and
// the id reads as unknown, so a damaged record never blocks a later deploy of
// the same id.
package status

import (
	"fmt"
	"time"
)

// Status is the stage a deployment attempt has reached.
type Status string

const (
	Pending   Status = "Pending"
	Building  Status = "Building"
	Deploying Status = "Deploying"
	Success   Status = "Success"
	Failed    Status = "Failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Pending, Building, Deploying, Success, Failed:
		return true
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool {
	return s == Success || s == Failed
}

var transitions = map[Status][]Status{
	Pending:   {Building, Failed},
	Building:  {Deploying, Success, Failed},
	Deploying: {Success, Failed},
}

// CanTransition reports whether an attempt may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Analytics receives unexpected failures for operators. Implementations must
// not block or fail.
type Analytics interface {
	UnexpectedException(err error, corrupted bool)
}

// File is one deployment record.
type File struct {
	ID                 string
	Status             Status
	StatusText         string
	AuthorName         string
	AuthorEmail        string
	Message            string
	Deployer           string
	Progress           string
	ReceivedTime       time.Time
	StartTime          time.Time
	EndTime            time.Time
	LastSuccessEndTime time.Time
	Complete           bool
	IsTemporary        bool
	IsReadOnly         bool
	SiteName           string

	mgr *Manager
}

// Save writes the record atomically.
func (f *File) Save() error {
	if f.mgr == nil {
		return fmt.Errorf("deployment record %q is not attached to a manager", f.ID)
	}
	return f.mgr.save(f)
}

// Transition moves the record to the next status of the current attempt and
// stamps the matching timestamps. It does not save.
func (f *File) Transition(to Status) error {
	if !CanTransition(f.Status, to) {
		return fmt.Errorf("invalid status transition %s -> %s for deployment %q", f.Status, to, f.ID)
	}

	now := f.now()
	if f.Status == Pending && f.StartTime.IsZero() {
		f.StartTime = now
	}
	f.Status = to

	if to.Terminal() {
		f.EndTime = now
		f.Complete = true
		f.Progress = ""
		if to == Success {
			f.LastSuccessEndTime = now
		}
	}
	return nil
}

// BeginAttempt starts a new attempt on the record: it returns to Pending and
// clears the per-attempt fields. LastSuccessEndTime survives so the last
// known good deployment stays visible through failed retries. It does not
// save.
func (f *File) BeginAttempt() {
	f.Status = Pending
	f.StatusText = ""
	f.Progress = ""
	f.StartTime = time.Time{}
	f.EndTime = time.Time{}
	f.Complete = false
	f.ReceivedTime = f.now()
}

// MarkSuccess completes the attempt successfully and saves.
func (f *File) MarkSuccess() error {
	if err := f.Transition(Success); err != nil {
		return err
	}
	return f.Save()
}

// MarkFailed completes the attempt as failed with the given reason and saves.
func (f *File) MarkFailed(text string) error {
	if err := f.Transition(Failed); err != nil {
		return err
	}
	f.StatusText = text
	return f.Save()
}

// SetProgress records a short progress line and saves.
func (f *File) SetProgress(progress string) error {
	f.Progress = progress
	return f.Save()
}

func (f *File) now() time.Time {
	if f.mgr == nil {
		return time.Now().UTC()
	}
	return f.mgr.now()
}
