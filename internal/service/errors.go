package service

import (
	"context"
	"errors"
	"net"
	"net/http"

	"sp-rest-proxy-go/internal/client"
)

// AllowedMethods is the Allow header sent with 405 answers.
const AllowedMethods = "GET, POST, PUT, PATCH, MERGE, DELETE"

// StatusCode maps a Dispatch error to the status reported to the caller.
// failureStatus is used when the site could not be reached at all.
func StatusCode(err error, failureStatus int) int {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidJSON):
		return http.StatusBadRequest
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway
	}

	var digestErr *client.DigestError
	if errors.As(err, &digestErr) && digestErr.StatusCode != 0 {
		return digestErr.StatusCode
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return failureStatus
}

// ErrorMessage returns the message reported to the caller for err. Digest
// failures report the underlying cause.
func ErrorMessage(err error) string {
	var digestErr *client.DigestError
	if errors.As(err, &digestErr) && digestErr.Err != nil {
		return digestErr.Err.Error()
	}
	return err.Error()
}
