package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags and the rules tags can't express.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err != nil {
		return formatValidationError(err)
	}

	seen := map[string]bool{}
	for _, name := range cfg.ImageFileURL.Filesystems {
		if seen[name] {
			return fmt.Errorf("image_file_url.filesystems: duplicate filesystem %q", name)
		}

		seen[name] = true
	}

	return nil
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on %q tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}

	return err
}
