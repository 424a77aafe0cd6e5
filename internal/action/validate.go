package action

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks a's exported fields against their `validate` struct
// tags (set on Base.UUID and on each concrete action's own fields) and
// returns a single aggregated error, or nil. Concrete action
// constructors call this before returning so a malformed action never
// enters a pipeline.
func Validate(a Action) error {
	if err := validatorInstance().Struct(a); err != nil {
		return fmt.Errorf("action: invalid %s: %w", a.TypeTag(), err)
	}
	return nil
}
