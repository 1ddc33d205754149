package store

import (
	"encoding/json"
	"time"
)

// DocType identifies which logical collection a document belongs to.
type DocType string

const (
	DocTypeQuiz         DocType = "quiz"
	DocTypeQuizTemplate DocType = "quiz_template"
	DocTypeLecture      DocType = "lecture"
	DocTypeMaterial     DocType = "material"
)

func (t DocType) Valid() bool {
	switch t {
	case DocTypeQuiz, DocTypeQuizTemplate, DocTypeLecture, DocTypeMaterial:
		return true
	}
	return false
}

// Document is the stored body of a quiz, template, lecture or material.
// Body is opaque to the update core; callers mutate it through the
// coordinator's transform function.
type Document struct {
	DocType   DocType
	ID        string
	Title     string
	Body      json.RawMessage
	Version   int64
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentLock carries the concurrency-control state for one document.
// Version starts at 0 and increases by exactly 1 per successful advance.
type DocumentLock struct {
	DocType        DocType
	DocID          string
	Version        int64
	LastModifiedBy string
	LastModifiedAt time.Time
}

// AdvanceResult reports the outcome of a compare-and-increment on a lock.
// Conflicted is a normal outcome, not an error.
type AdvanceResult struct {
	NewVersion int64
	Conflicted bool
}
