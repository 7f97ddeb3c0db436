package capability

import "fmt"

// ErrNotFound indicates the target resource does not exist upstream.
type ErrNotFound struct{ Resource string }

func (e *ErrNotFound) Error() string { return "not_found: " + e.Resource }

// ErrUnauthorized indicates the capability's credentials were rejected.
type ErrUnauthorized struct{ Detail string }

func (e *ErrUnauthorized) Error() string { return "unauthorized: " + e.Detail }

// ErrRateLimited indicates the upstream API throttled the request.
type ErrRateLimited struct{ RetryAfterSeconds int }

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate_limited: retry after %ds", e.RetryAfterSeconds)
}

// ErrTimeout indicates the call exceeded its deadline.
type ErrTimeout struct{ Operation string }

func (e *ErrTimeout) Error() string { return "timeout: " + e.Operation }

// ErrClientError is a 4xx-class failure attributable to the request.
type ErrClientError struct {
	Status int
	Msg    string
}

func (e *ErrClientError) Error() string { return fmt.Sprintf("client_error(%d): %s", e.Status, e.Msg) }

// ErrServerError is a 5xx-class failure attributable to the upstream.
type ErrServerError struct {
	Status int
	Msg    string
}

func (e *ErrServerError) Error() string { return fmt.Sprintf("server_error(%d): %s", e.Status, e.Msg) }

// ErrConnection indicates a transport-level failure (DNS, dial, TLS, reset).
type ErrConnection struct{ Detail string }

func (e *ErrConnection) Error() string { return "connection_error: " + e.Detail }

// ErrInvalidResponse indicates the upstream returned a response this client
// could not parse or did not recognize.
type ErrInvalidResponse struct{ Detail string }

func (e *ErrInvalidResponse) Error() string { return "invalid_response: " + e.Detail }

// ErrNotImplemented indicates the capability exists but this operation has no
// implementation (e.g. a stub capability used outside live mode).
type ErrNotImplemented struct{ Operation string }

func (e *ErrNotImplemented) Error() string { return "not_implemented: " + e.Operation }

// ErrPolicyDenied indicates the Gate denied the action outright.
type ErrPolicyDenied struct{ Reason string }

func (e *ErrPolicyDenied) Error() string { return "policy_denied: " + e.Reason }

// ErrPendingApproval indicates the Gate requires operator approval before
// this action can run; the caller receives the pending intent id.
type ErrPendingApproval struct{ IntentID string }

func (e *ErrPendingApproval) Error() string {
	return "pending_approval: intent " + e.IntentID
}
