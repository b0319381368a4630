package device

import (
	"fmt"

	"github.com/nerrad567/iot-gateway/internal/account"
)

// ErrDeviceNotFound is returned when a device has no registered owner.
// It matches account.ErrDeviceNotFound under errors.Is.
var ErrDeviceNotFound = fmt.Errorf("device: %w", account.ErrDeviceNotFound)
