package helpers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToJsonString converts any value to JSON string.
func ToJsonString(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NewRequestID returns a unique datastream request id.
func NewRequestID() string {
	return "rid:" + uuid.NewString()
}

// Sleep waits for d or until ctx is done, returning the context error in
// the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
