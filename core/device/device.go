// Package device defines the boundary to the smart-home platform that
// physically switches devices on and off.
package device

import (
	"context"
	"errors"
)

// ErrUnreachable is returned when the device or its gateway cannot be reached
// before the call timeout. It is retryable.
var ErrUnreachable = errors.New("device unreachable")

// ErrRejected is returned when the platform refuses the command. It is not
// retryable.
var ErrRejected = errors.New("device rejected command")

// Controller switches a device's power state.
type Controller interface {
	SetPower(ctx context.Context, deviceID string, on bool) error
}
