package domain

import (
	"errors"
)

var (
	// ErrJobNotFound is returned when no job has the requested uuid
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned for commands on finished, failed or
	// cancelled jobs
	ErrJobTerminal = errors.New("job is in a terminal status")

	// ErrUnknownTenant is returned for tenants the service was not
	// configured with
	ErrUnknownTenant = errors.New("unknown tenant")
)
