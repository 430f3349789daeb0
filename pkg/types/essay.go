// Package types provides the core data types of essaylake snapshots.
package types

import "time"

// Essay is a single row of the essays table.
type Essay struct {
	// AuthorID identifies the author of the essay
	AuthorID string `json:"author_id"`

	// WordCount is the number of words in the essay
	WordCount int64 `json:"word_count"`

	// CreatedDate is when the essay was first saved
	CreatedDate time.Time `json:"created_date"`

	// LastModified is when the essay was last edited
	LastModified time.Time `json:"last_modified"`

	// PromptID links to Prompt.PromptID. UC/UCAS essays may have none.
	PromptID *string `json:"prompt_id,omitempty"`

	// SchoolIDs lists the schools the essay is associated with, possibly empty
	SchoolIDs []int64 `json:"school_ids"`

	// Scores holds the real-valued evaluation fields that are present
	Scores map[string]float64 `json:"scores,omitempty"`

	// Levels holds the integer-valued evaluation fields that are present
	Levels map[string]int64 `json:"levels,omitempty"`
}

// Prompt is a single row of the prompts table.
type Prompt struct {
	PromptID    string      `json:"prompt_id"`
	Application Application `json:"application"`
	PromptText  string      `json:"prompt_text"`
}

// School is a single row of the schools table.
type School struct {
	SchoolID   int64  `json:"school_id"`
	SchoolName string `json:"school_name"`
}

// TotalScore returns the sum of the present real-valued scores and whether
// any score was present at all.
func (e *Essay) TotalScore() (float64, bool) {
	if len(e.Scores) == 0 {
		return 0, false
	}
	var total float64
	for _, v := range e.Scores {
		total += v
	}
	return total, true
}
