package market

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidParams is returned when a parameter struct fails validation
var ErrInvalidParams = errors.New("invalid parameters")

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

// ValidateParams checks the three parameter structs against their tags
func ValidateParams(sp StrategyParams, rp RiskParams, cp CostParams) error {
	v := validatorInstance()
	checks := []struct {
		name string
		s    any
	}{{"strategy", sp}, {"risk", rp}, {"cost", cp}}
	for _, c := range checks {
		if err := v.Struct(c.s); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidParams, c.name, err)
		}
	}
	return nil
}
