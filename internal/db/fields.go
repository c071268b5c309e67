package db

import (
	"fmt"
	"regexp"
)

// Processor names reach SurrealQL as field paths under processors_data.
// Custom processor names come from operator-controlled prompt filenames, so
// they are validated before interpolation and always backtick-quoted.
var processorNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// processorPath returns the quoted field path for a named processor.
func processorPath(name string) (string, error) {
	if !processorNameRe.MatchString(name) {
		return "", fmt.Errorf("invalid processor name %q", name)
	}
	return "processors_data.`" + name + "`", nil
}
