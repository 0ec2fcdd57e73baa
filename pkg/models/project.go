package models

import "time"

type Project struct {
	ID             int64     `json:"project_id"`
	Name           string    `json:"project_name"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
