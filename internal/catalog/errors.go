package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("catalog: not found")
	ErrSlugTaken    = errors.New("catalog: slug already in use")
	ErrInvalidInput = errors.New("catalog: invalid input")
)

// TagInUseError is returned when a tag still attached to products is
// deleted without force.
type TagInUseError struct {
	TagID string
	Count int
}

func (e *TagInUseError) Error() string {
	return fmt.Sprintf("catalog: tag %s is attached to %d products", e.TagID, e.Count)
}
