/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logconsistency

import "errors"

// IssueKind classifies a storage failure recorded on the adaptor's
// LastPrimaryIssue marker.
type IssueKind int

const (
	// ReadFromSnapshotStorageFailed is raised when the snapshot store read
	// in ReadAsync (or the read half of the write path's recovery loop)
	// returns an error.
	ReadFromSnapshotStorageFailed IssueKind = iota
	// ReadFromLogStorageFailed is raised when the log store's head lookup
	// or range read returns an error.
	ReadFromLogStorageFailed
	// UpdateLogStorageFailed is raised when the conditional append
	// returns an error, ambiguous or not.
	UpdateLogStorageFailed
	// UpdateSnapshotStorageFailed is raised when a snapshot write after a
	// successful append returns an error. It never undoes the append.
	UpdateSnapshotStorageFailed
)

func (k IssueKind) String() string {
	switch k {
	case ReadFromSnapshotStorageFailed:
		return "ReadFromSnapshotStorageFailed"
	case ReadFromLogStorageFailed:
		return "ReadFromLogStorageFailed"
	case UpdateLogStorageFailed:
		return "UpdateLogStorageFailed"
	case UpdateSnapshotStorageFailed:
		return "UpdateSnapshotStorageFailed"
	default:
		return "UnknownIssue"
	}
}

// PrimaryIssue wraps a storage failure with the taxonomy kind that
// classifies it. It is recorded on the adaptor as LastPrimaryIssue, a
// staleness marker, and resolved (set back to nil) on the next successful
// pass. ReadAsync/WriteAsync retry past it; they return it to the caller
// only when their retry loop stops without a clean pass, i.e. when the
// context is cancelled or the backoff's steps are used up.
type PrimaryIssue struct {
	Kind  IssueKind
	Cause error
}

func (i *PrimaryIssue) Error() string {
	return i.Kind.String() + ": " + i.Cause.Error()
}

func (i *PrimaryIssue) Unwrap() error {
	return i.Cause
}

// NewPrimaryIssue wraps cause with the given taxonomy kind. Returns nil if
// cause is nil.
func NewPrimaryIssue(kind IssueKind, cause error) *PrimaryIssue {
	if cause == nil {
		return nil
	}
	return &PrimaryIssue{Kind: kind, Cause: cause}
}

// AsPrimaryIssue reports whether err (or anything it wraps) is a
// *PrimaryIssue, returning it for inspection.
func AsPrimaryIssue(err error) (*PrimaryIssue, bool) {
	var issue *PrimaryIssue
	ok := errors.As(err, &issue)
	return issue, ok
}

var (
	// ErrVersionMismatch is the distinguishable error a LogStore may
	// return from Append when expectedVersion no longer matches the log
	// head. The adaptor does not treat it as definitive proof the append
	// had no effect: it stays ambiguous by default, and the recovery path,
	// which reads the contested log positions back and compares them with
	// the submitted batch, is what actually decides the outcome. The
	// write-toggle bit plays no part in that decision.
	ErrVersionMismatch = errors.New("log store: expected version does not match current head")

	// ErrETagMismatch is returned by SnapshotStore.WriteState when the
	// holder's ETag no longer matches what is stored. A never-written
	// grain is not an error: stores report it as a zero-value record with
	// an empty ETag.
	ErrETagMismatch = errors.New("snapshot store: etag does not match current record")
)

// UserCodeError wraps a panic recovered from the host callback, or the
// plain error it returned, so CaughtUserCodeException logging can report a
// consistent shape regardless of which one happened.
type UserCodeError struct {
	Position int
	Cause    error
}

func (e *UserCodeError) Error() string {
	return e.Cause.Error()
}

func (e *UserCodeError) Unwrap() error {
	return e.Cause
}
