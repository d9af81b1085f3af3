package agent

import (
	"context"
)

// Backend is the agent backend transport.
type Backend interface {
	// Invite asks the backend to send an agent into a meeting.
	Invite(ctx context.Context, req InviteRequest) error

	// Remove asks the backend to withdraw the agent from a meeting.
	// It never fails; failures are reported through the outcome.
	Remove(ctx context.Context, meetingID string) RemovalResult
}

// Ensure Client implements Backend.
var _ Backend = (*Client)(nil)
