package controller

import (
	"os"
	"time"
)

// Identity is the Controller's self-description, exposed through
// Controller.Identity. It is not sent to workers with outbound requests.
type Identity struct {
	ID        string
	Host      string
	PID       int
	StartTime time.Time
}

// NewIdentity stamps id (normally a fresh uuid) with this process's host
// and pid and the current time.
func NewIdentity(id string) Identity {
	host, _ := os.Hostname()
	return Identity{
		ID:        id,
		Host:      host,
		PID:       os.Getpid(),
		StartTime: time.Now(),
	}
}
