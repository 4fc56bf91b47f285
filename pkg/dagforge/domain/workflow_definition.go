package domain

import "time"

type WorkflowDefinition struct {
	ID          int64
	Name        string
	Version     int
	Description string
	Status      string
	Graph       string
	InputSchema string
	Created     time.Time
	Updated     time.Time
}
