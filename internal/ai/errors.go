package ai

import (
	"errors"

	"github.com/rowforge/rowforge/pkg/models"
)

var (
	ErrProviderUnavailable = errors.New("model provider unavailable")
	ErrInferenceTimeout    = errors.New("model inference timeout")
	ErrInvalidResponse     = errors.New("model provider returned invalid response")
)

// IsRateLimited reports whether err is a provider failure flagged for
// automatic retry (rate limit or transient upstream failure).
func IsRateLimited(err error) bool {
	var provErr *models.ProviderError
	return errors.As(err, &provErr) && provErr.AutoRetry
}
