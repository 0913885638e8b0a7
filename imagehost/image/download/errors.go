package download

import (
	"fmt"
)

// ConfigurationError is returned when a transfer module is misconfigured.
type ConfigurationError struct {
	Module string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("The module %s is misconfigured: %s", e.Module, e.Reason)
}

// MetadataError is returned when the image location metadata cannot be used
// by a transfer module.
type MetadataError struct {
	Module string
	Reason string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("The metadata for this location will not work with this module %s. %s", e.Module, e.Reason)
}

// ModuleError is returned for any other transfer module failure.
type ModuleError struct {
	Module string
	Reason string
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("There was an error with the download module %s. %s", e.Module, e.Reason)
}
