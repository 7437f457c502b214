package domain

import "context"

// DeviceType is a simulator hardware profile known to the host.
type DeviceType struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

// Simulator is the external simulator-control capability consumed by the session layer.
// Shutdown must treat an already-shut-down device as success.
type Simulator interface {
	Create(ctx context.Context, deviceType string) (string, error)
	Boot(ctx context.Context, id string) error
	Shutdown(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ListDeviceTypes(ctx context.Context) ([]DeviceType, error)
}
