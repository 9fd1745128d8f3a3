package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateClientID generates a unique id for one console instance.
func GenerateClientID() string {
	return fmt.Sprintf("console_%s", uuid.NewString())
}

// GenerateRequestID generates a unique id attached to outbound REST calls.
func GenerateRequestID() string {
	return fmt.Sprintf("req_%s", uuid.NewString())
}

// GenerateViewerID generates a unique id for a viewer surface.
func GenerateViewerID() string {
	return fmt.Sprintf("viewer_%s", uuid.NewString())
}
