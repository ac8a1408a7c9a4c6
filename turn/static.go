// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"context"
	"sync/atomic"

	"github.com/sotto-voice/sotto/lib/ref"
)

// Compile-time interface check.
var _ Issuer = (*StaticIssuer)(nil)

// StaticIssuer hands out fixed credentials. Used by tests and by
// deployments whose relay servers use long-lived shared credentials
// instead of a trust service.
type StaticIssuer struct {
	// Credentials is the template returned by every issuance. A copy
	// is returned so callers cannot mutate the template.
	Credentials Credentials

	// Fail, when non-nil, makes every issuance fail with the given
	// reason instead.
	Fail *IssueError

	issued atomic.Int64
}

// IssueRelayCredentials implements Issuer.
func (s *StaticIssuer) IssueRelayCredentials(_ context.Context, _ ref.CallID, _, _ string) (*Credentials, error) {
	s.issued.Add(1)
	if s.Fail != nil {
		return nil, s.Fail
	}
	copied := s.Credentials
	copied.RelayServers = append([]string(nil), s.Credentials.RelayServers...)
	return &copied, nil
}

// IssuedCount reports how many issuance requests were made. Tests use
// this to assert TTL behavior.
func (s *StaticIssuer) IssuedCount() int64 {
	return s.issued.Load()
}
