package capture

import "errors"

var (
	// ErrPermissionDenied is returned when microphone access is refused.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrDeviceUnavailable is returned when no usable audio device exists.
	ErrDeviceUnavailable = errors.New("capture: audio device unavailable")
	// ErrProviderAuth is returned when the provider rejects the credential.
	ErrProviderAuth = errors.New("capture: provider authentication failed")
	// ErrProviderUnavailable is returned when the provider cannot be reached
	// or drops the stream beyond recovery.
	ErrProviderUnavailable = errors.New("capture: provider unavailable")
	// ErrDisconnected is returned by Connect when Disconnect interrupts it.
	ErrDisconnected = errors.New("capture: disconnected")
)
