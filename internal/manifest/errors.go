package manifest

import "fmt"

// Error describes a manifest that failed validation.
// Package and Field identify the offending record when known.
type Error struct {
	Package string
	Field   string
	Reason  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Package != "" && e.Field != "":
		return fmt.Sprintf("manifest: package %q: field %q: %s", e.Package, e.Field, e.Reason)
	case e.Package != "":
		return fmt.Sprintf("manifest: package %q: %s", e.Package, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("manifest: field %q: %s", e.Field, e.Reason)
	default:
		return "manifest: " + e.Reason
	}
}
