package host

import "github.com/rs/zerolog"

// ErrorHandler is the host's error boundary: every recoverable failure
// the audio thread's supervisor encounters (a failed graph rebuild, a
// device fallback, a dropped patch request) is reported here rather than
// propagated up through a call stack that, on the realtime side, does not
// exist. Grounded on the teacher's errors.go decorator chain, generalized
// from fmt.Printf to structured zerolog fields.
type ErrorHandler interface {
	HandleError(error)
}

// ZerologErrorHandler logs every error at warn level with the host's
// context fields attached.
type ZerologErrorHandler struct {
	Logger zerolog.Logger
}

// HandleError implements ErrorHandler.
func (h *ZerologErrorHandler) HandleError(err error) {
	h.Logger.Warn().Err(err).Msg("host error")
}

// ChainErrorHandler forwards to every handler in order, mirroring the
// teacher's LoggingErrorHandler wrapping pattern generalized to N stages
// (e.g. log-then-notify-subscribers).
type ChainErrorHandler struct {
	Handlers []ErrorHandler
}

// HandleError implements ErrorHandler.
func (h *ChainErrorHandler) HandleError(err error) {
	for _, handler := range h.Handlers {
		if handler != nil {
			handler.HandleError(err)
		}
	}
}
