package workspace

import "errors"

// ErrSandboxViolation is wrapped into path-policy failures, matching
// spec.md §7's SandboxViolation error kind.
var ErrSandboxViolation = errors.New("sandbox violation")
