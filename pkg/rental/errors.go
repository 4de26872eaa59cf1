package rental

import (
	"fmt"
	"sort"
	"strings"

	"autoloc/pkg/models"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid rental transition")
	ErrForbidden         = errors.New("action not allowed for this user")
	ErrNotFound          = errors.New("rental not found")
	// ErrConflict means another writer changed the rental status first.
	ErrConflict = errors.New("rental was modified concurrently")
)

// TransitionError reports an action attempted from a status that does not
// allow it.
type TransitionError struct {
	Action Action
	From   models.RentalStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a rental in status %s", e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// FieldErrors maps a request field to what is wrong with it.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + fe[k]
	}
	return "validation error: " + strings.Join(parts, "; ")
}

// orNil keeps an empty FieldErrors from becoming a non-nil error.
func (fe FieldErrors) orNil() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}
