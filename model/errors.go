package model

import "errors"

var (
	ErrValidation           = errors.New("validation failed")
	ErrAuth                 = errors.New("authentication failed")
	ErrNotFound             = errors.New("not found")
	ErrTaskActive           = errors.New("task is still active")
	ErrResolution           = errors.New("resolution failed")
	ErrFetch                = errors.New("fetch failed")
	ErrPack                 = errors.New("pack failed")
	ErrUpload               = errors.New("upload failed")
	ErrTunnel               = errors.New("tunnel failed")
	ErrExclusivityViolation = errors.New("more than one proxy enabled")
	ErrInvalidTransition    = errors.New("invalid status transition")
)
