// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"encoding/json"
	"fmt"

	"github.com/bassosimone/errclass"
)

// Failure reason strings compliant with the OONI specification.
//
// The absence of a failure does not necessarily mean that no network
// error occurred during the measurement: a performance test may treat
// ECONNRESET as a failure to report, while a censorship test may record
// the same RST as an interesting anomaly inside its test keys.
const (
	// FailureCompositeFailure indicates that an operation failed in
	// multiple ways at once (e.g., connecting to every resolved address
	// failed). Use [Failure.ChildFailures] to inspect the causes.
	FailureCompositeFailure = "composite_failure"

	// FailureGenericTimeout indicates that an operation timed out.
	FailureGenericTimeout = "generic_timeout_error"

	// FailureEOF indicates an unexpected EOF.
	FailureEOF = "eof_error"

	// FailureConnectionRefused indicates ECONNREFUSED.
	FailureConnectionRefused = "connection_refused"

	// FailureConnectionReset indicates ECONNRESET.
	FailureConnectionReset = "connection_reset"

	// FailureConnectionAborted indicates ECONNABORTED.
	FailureConnectionAborted = "connection_aborted"

	// FailureHostUnreachable indicates EHOSTUNREACH.
	FailureHostUnreachable = "host_unreachable"

	// FailureNetworkUnreachable indicates ENETUNREACH.
	FailureNetworkUnreachable = "network_unreachable"

	// FailureValueError indicates that the caller configured the test
	// with an invalid value (e.g., a malformed boolean option).
	FailureValueError = "value_error"

	// FailureTestAlreadyStarted indicates that Run or Start was invoked
	// on a Test whose configuration had already been moved into a
	// previous execution context.
	FailureTestAlreadyStarted = "test_already_started"

	// FailureMissingRequiredInput indicates that a nettest requiring
	// input was started without any input.
	FailureMissingRequiredInput = "missing_required_input"

	// FailureNoIPLookupServices indicates that the IP lookup ran with
	// no echo services configured.
	FailureNoIPLookupServices = "no_ip_lookup_services"
)

// Failure is the outcome of a pipeline stage or measurement: either the
// zero value, meaning that no failure occurred, or a named error,
// optionally aggregating multiple child failures.
//
// A Failure is immutable once constructed. The zero value is valid and
// means "no failure".
type Failure struct {
	reason   string
	children []Failure
}

// NewFailure creates the [Failure] corresponding to the given reason
// string. An empty reason yields the no-failure value.
func NewFailure(reason string) Failure {
	return Failure{reason: reason}
}

// NewFailureFromError classifies err into the corresponding [Failure].
// A nil err yields the no-failure value.
func NewFailureFromError(err error) Failure {
	if err == nil {
		return Failure{}
	}
	switch errclass.New(err) {
	case errclass.ETIMEDOUT:
		return NewFailure(FailureGenericTimeout)
	case errclass.ECONNREFUSED:
		return NewFailure(FailureConnectionRefused)
	case errclass.ECONNRESET:
		return NewFailure(FailureConnectionReset)
	case errclass.ECONNABORTED:
		return NewFailure(FailureConnectionAborted)
	case errclass.EHOSTUNREACH:
		return NewFailure(FailureHostUnreachable)
	case errclass.ENETUNREACH:
		return NewFailure(FailureNetworkUnreachable)
	case errclass.EEOF:
		return NewFailure(FailureEOF)
	default:
		return NewFailure(fmt.Sprintf("unknown_failure: %s", err.Error()))
	}
}

// MakeComposite aggregates the failures that actually occurred within
// the given sequence:
//
//   - if no input element is a failure, returns the no-failure value;
//
//   - if exactly one input element is a failure, returns it unchanged,
//     so that single-cause failures keep their precise reason string;
//
//   - otherwise returns a composite [Failure] whose children are the
//     input failures in their original relative order.
//
// Aggregation flattens one level: when an input failure is itself a
// composite, its children are spliced into the new composite in place,
// so that a composite never contains composite children.
func MakeComposite(failures []Failure) Failure {
	var flat []Failure
	for _, f := range failures {
		if !f.IsFailure() {
			continue
		}
		if f.reason == FailureCompositeFailure {
			flat = append(flat, f.children...)
			continue
		}
		flat = append(flat, f)
	}
	switch len(flat) {
	case 0:
		return Failure{}
	case 1:
		return flat[0]
	default:
		return Failure{reason: FailureCompositeFailure, children: flat}
	}
}

// IsFailure returns true iff this value represents an actual failure.
func (f Failure) IsFailure() bool {
	return f.reason != ""
}

// Reason returns the failure string, or the empty string when no
// failure occurred.
func (f Failure) Reason() string {
	return f.reason
}

// ChildFailures returns the child failures. The result is empty unless
// this is a composite failure.
func (f Failure) ChildFailures() []Failure {
	return f.children
}

// failureDocument is the serialized form used by [Failure.DetailedReason].
type failureDocument struct {
	Reason   string            `json:"reason"`
	Children []failureDocument `json:"children,omitempty"`
}

func (f Failure) document() failureDocument {
	doc := failureDocument{Reason: f.reason}
	for _, child := range f.children {
		doc.Children = append(doc.Children, child.document())
	}
	return doc
}

func failureFromDocument(doc failureDocument) Failure {
	f := Failure{reason: doc.Reason}
	for _, child := range doc.Children {
		f.children = append(f.children, failureFromDocument(child))
	}
	return f
}

// DetailedReason returns the failure, including all child failures, as
// a serialized JSON object. This is the canonical on-disk representation
// of a failure. Returns the empty string when no failure occurred.
func (f Failure) DetailedReason() string {
	if !f.IsFailure() {
		return ""
	}
	// The document contains no value that could fail to serialize.
	data, err := json.Marshal(f.document())
	if err != nil {
		panic(err)
	}
	return string(data)
}

// ParseDetailedReason parses the serialization produced by
// [Failure.DetailedReason] back into an equivalent [Failure]. An empty
// string parses to the no-failure value.
func ParseDetailedReason(serialized string) (Failure, error) {
	if serialized == "" {
		return Failure{}, nil
	}
	var doc failureDocument
	if err := json.Unmarshal([]byte(serialized), &doc); err != nil {
		return Failure{}, err
	}
	return failureFromDocument(doc), nil
}
