package hipaa

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPHILeak is matched by every PHILeakError.
var ErrPHILeak = errors.New("phi leak detected")

// PHILeakError reports which guard tripped and on which keys. It never
// carries the offending values.
type PHILeakError struct {
	Guard  string
	Fields []string
}

func (e *PHILeakError) Error() string {
	return fmt.Sprintf("phi leak detected by %s guard: %s", e.Guard, strings.Join(e.Fields, ", "))
}

func (e *PHILeakError) Is(target error) bool {
	return target == ErrPHILeak
}
