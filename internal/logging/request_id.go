package logging

import "github.com/google/uuid"

// GenerateRequestID returns a new request id. Ids are version 7 UUIDs and
// sort by creation time.
func GenerateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
