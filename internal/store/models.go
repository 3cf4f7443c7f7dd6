package store

import "time"

type User struct {
	ID        string
	Sub       string
	Email     string
	FirstName *string
	LastName  *string
	UserType  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StudentProfile struct {
	ID         string
	UserID     string
	GradeLevel string
	Language   string
	Gender     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LearningSpace.Mindmap is nil until the generation job publishes an artifact.
type LearningSpace struct {
	ID        string
	UserID    string
	Title     string
	Mindmap   *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MindmapURL returns the artifact URL or "" when none is published yet.
func (s LearningSpace) MindmapURL() string {
	if s.Mindmap == nil {
		return ""
	}
	return *s.Mindmap
}
