package lms

import "time"

type Class struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Teacher string `json:"teacher"`
}

type Assignment struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	Title     string    `json:"title"`
	DueAt     time.Time `json:"due_at"`
	MaxScore  float64   `json:"max_score"`
	Submitted bool      `json:"submitted"`
}

// Submission is the body posted when a student hands in an assignment.
type Submission struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type Ranking struct {
	Rank      int     `json:"rank"`
	StudentID string  `json:"student_id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
}

type SearchResult struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Title string `json:"title"`
}
