package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fpang/lookbook-bot/internal/artifact"
	"github.com/fpang/lookbook-bot/internal/kie"
)

var (
	// ErrNoPhoto is returned by ChooseScenes when the user has no remembered photo.
	ErrNoPhoto = errors.New("orchestrator: no photo to generate from")
	// ErrShuttingDown is returned for work submitted after Shutdown started.
	ErrShuttingDown = errors.New("orchestrator: shutting down")
)

// InsufficientCreditsError short-circuits a request before any remote call or debit.
type InsufficientCreditsError struct {
	UserID  int64
	Needed  int64
	Balance int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("user %d needs %d credits, has %d", e.UserID, e.Needed, e.Balance)
}

// Notice renders err as a message for the requesting user.
func Notice(err error) string {
	var (
		insufficient *InsufficientCreditsError
		validation   *kie.ValidationError
		timeout      *kie.TimeoutError
		failed       *kie.TaskFailedError
		remote       *kie.RemoteServiceError
		download     *artifact.StatusError
	)
	switch {
	case errors.As(err, &insufficient):
		return fmt.Sprintf("You need %d credits, you have %d. Use /buy to top up.", insufficient.Needed, insufficient.Balance)
	case errors.As(err, &validation):
		return "That image cannot be used for generation: " + validation.Message
	case errors.As(err, &timeout):
		return "Generation is taking too long. Nothing was charged, please try again later."
	case errors.As(err, &failed):
		if failed.FailMsg != "" {
			return "Generation failed: " + failed.FailMsg
		}
		return "Generation failed."
	case errors.Is(err, kie.ErrMalformedResult):
		return "The generation service returned an empty result. Nothing was charged."
	case errors.As(err, &remote):
		return "The generation service is unavailable right now. Please try again later."
	case errors.As(err, &download):
		return "The result could not be downloaded. Nothing was charged."
	case errors.Is(err, ErrNoPhoto):
		return "Send a photo first."
	case errors.Is(err, ErrInvalidScene):
		return "Unknown scene."
	default:
		return "Something went wrong. Please try again."
	}
}
