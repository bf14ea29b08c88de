package phone

import "github.com/rs/zerolog"

// Notifier is the desktop-shell boundary: native notifications for call
// events. The shell owns windows and toasts; the phone only says what
// happened.
type Notifier interface {
	// IncomingCall raises a ringing notification for caller.
	IncomingCall(caller string)

	// TransferFailed tells the user the transfer failed but the call is
	// still connected.
	TransferFailed()

	// Clear dismisses any visible call notification.
	Clear()
}

// LogNotifier is the headless default: notifications become log lines.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) IncomingCall(caller string) {
	n.Log.Info().Str("caller", caller).Msg("incoming call")
}

func (n LogNotifier) TransferFailed() {
	n.Log.Info().Msg("transfer could not be completed, call is still connected")
}

func (n LogNotifier) Clear() {}
