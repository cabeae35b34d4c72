package realtime

import "context"

// NoopRegistrar is used when no realtime bus is configured, and by tests
// that don't exercise registration at all. Both operations succeed
// trivially.
type NoopRegistrar struct{}

func (NoopRegistrar) Register(ctx context.Context, projectID, containerID, url string) (Registration, error) {
	return Registration{ChannelName: "noop", AccessToken: ""}, nil
}

func (NoopRegistrar) Unregister(ctx context.Context, projectID, containerID string) error {
	return nil
}

var _ Registrar = NoopRegistrar{}
