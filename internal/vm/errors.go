package vm

import "errors"

var (
	ErrNoKernel       = errors.New("vm: no kernel image configured")
	ErrBadKernel      = errors.New("vm: kernel image is malformed")
	ErrVCPUCount      = errors.New("vm: vcpu count out of range")
	ErrMemorySize     = errors.New("vm: memory size must be positive and page-aligned")
	ErrAlreadyStarted = errors.New("vm: already started")
)
