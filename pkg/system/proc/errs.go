package proc

import "errors"

// ErrNoChildren indicates that /proc/<pid>/task/*/children contained none.
var ErrNoChildren = errors.New("proc: no children")
