package mindmap

import (
	"fmt"
	"strings"
)

// Status is the artifact lifecycle of a learning space as seen by one view.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
)

// FetchStatus tracks content retrieval for the current URL.
type FetchStatus string

const (
	FetchIdle    FetchStatus = "idle"
	FetchLoading FetchStatus = "loading"
	FetchLoaded  FetchStatus = "loaded"
	FetchFailed  FetchStatus = "failed"
)

// State is an immutable snapshot of a controller. Content survives a failed
// refetch, so a Failed state may still carry the last good document.
type State struct {
	SpaceID   string      `json:"space_id"`
	Status    Status      `json:"status"`
	URL       string      `json:"url,omitempty"`
	Fetch     FetchStatus `json:"fetch"`
	Content   string      `json:"content,omitempty"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Version   uint64      `json:"version"`
}

func initialState(spaceID, initialURL string) State {
	state := State{SpaceID: spaceID, Status: StatusGenerating, Fetch: FetchIdle}
	if strings.TrimSpace(initialURL) != "" {
		state.Status = StatusReady
		state.URL = initialURL
	}
	return state
}

func (s State) String() string {
	switch {
	case s.Status == StatusGenerating:
		return "Generating"
	case s.Fetch == FetchFailed:
		return fmt.Sprintf("Ready(%s) Failed(%s)", s.URL, s.Error)
	case s.Fetch == FetchLoaded:
		return fmt.Sprintf("Ready(%s) Loaded(%d bytes)", s.URL, len(s.Content))
	case s.Fetch == FetchLoading:
		return fmt.Sprintf("Ready(%s) Loading", s.URL)
	default:
		return fmt.Sprintf("Ready(%s)", s.URL)
	}
}

// SubscriptionError reports that the change feed could not be joined. The
// controller keeps running without live updates.
type SubscriptionError struct {
	SpaceID string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe to learning space %s: %v", e.SpaceID, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Reason is the text logged for the failed subscription.
func (e *SubscriptionError) Reason() string {
	if e.Err == nil {
		return "subscription failed"
	}
	return e.Err.Error()
}
