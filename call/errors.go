// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "fmt"

// FailureReason is the terminal failure taxonomy. Exactly the first
// recorded reason is retained for a session, even if further failures
// occur during teardown.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonContactNotFound
	ReasonRelayUnreachable
	ReasonPeerNegotiationError
	ReasonInternalError
	ReasonCredentialIssuance
	ReasonSendFailed
	ReasonPermissionDenied
	ReasonAuthentication
	ReasonICEConnection
	ReasonCallNotSupported
	ReasonKicked
)

var reasonNames = map[FailureReason]string{
	ReasonNone:                 "none",
	ReasonContactNotFound:      "contact_not_found",
	ReasonRelayUnreachable:     "relay_unreachable",
	ReasonPeerNegotiationError: "peer_negotiation_error",
	ReasonInternalError:        "internal_error",
	ReasonCredentialIssuance:   "credential_issuance_error",
	ReasonSendFailed:           "send_failed",
	ReasonPermissionDenied:     "permission_denied",
	ReasonAuthentication:       "authentication_error",
	ReasonICEConnection:        "ice_connection_error",
	ReasonCallNotSupported:     "call_not_supported",
	ReasonKicked:               "kicked",
}

// String returns the reason name.
func (r FailureReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Category is the small set of user-facing failure categories. The
// full internal taxonomy is never surfaced to the user.
type Category int

const (
	CategoryNone Category = iota
	CategoryPermission
	CategoryNetwork
	CategoryInternal
	CategoryKicked
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryPermission:
		return "permission"
	case CategoryNetwork:
		return "network"
	case CategoryInternal:
		return "internal"
	case CategoryKicked:
		return "kicked"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Category maps the internal reason onto its user-facing category.
func (r FailureReason) Category() Category {
	switch r {
	case ReasonNone:
		return CategoryNone
	case ReasonPermissionDenied:
		return CategoryPermission
	case ReasonRelayUnreachable, ReasonSendFailed, ReasonICEConnection, ReasonCredentialIssuance:
		return CategoryNetwork
	case ReasonKicked:
		return CategoryKicked
	default:
		return CategoryInternal
	}
}

// Failure is the error value carried by a failed session.
type Failure struct {
	Reason FailureReason
}

func (f *Failure) Error() string {
	return "call failed: " + f.Reason.String()
}

// ErrCallInProgress is returned by Engine.StartCall while another call
// is active.
var ErrCallInProgress = fmt.Errorf("a call is already in progress")
