package promotion

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrPromotionNotFound is returned when no promotion has the given id.
	ErrPromotionNotFound = errors.New("promotion not found")
	// ErrDuplicateID is returned by Add when the id is already taken.
	ErrDuplicateID = errors.New("promotion id already exists")
	// ErrInvalidField matches every *InvalidFieldError.
	ErrInvalidField = errors.New("invalid promotion field")
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("promotion persistence failed")
)

// InvalidFieldError reports a kind-mismatched or out-of-range field. The
// promotion is left untouched.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid promotion field %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidField) match.
func (e *InvalidFieldError) Is(target error) bool {
	return target == ErrInvalidField
}

// PersistenceError wraps a failed write of the promotion collection. The
// in-memory change is kept, so memory and storage differ until the next
// successful save.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("save promotions: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
