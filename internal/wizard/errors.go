package wizard

import (
	"errors"

	"github.com/example/facereg/internal/embedding"
	"github.com/example/facereg/internal/repository"
)

// Every error below ends the current action only; the caller returns the
// user to an earlier interactive state.
var (
	ErrInputIncomplete   = errors.New("department, batch, section and USN are required")
	ErrUnknownDepartment = errors.New("department is not offered")
	ErrNoRosterFound     = errors.New("no student list found for this class; an admin must import the roster first")
	ErrStudentNotFound   = repository.ErrStudentNotFound
	ErrAlreadyRegistered = errors.New("face already registered; contact an admin to update it")
	ErrInvalidImage      = errors.New("captured file is not a supported image")
	ErrNoUsableFace      = embedding.ErrNoUsableFace
	ErrDuplicatePose     = errors.New("photo matches the previous pose; change head position and retake")
	ErrSessionNotFound   = errors.New("registration session not found or expired")
	ErrNotReady          = errors.New("not every pose has been captured yet")
	ErrSequenceComplete  = errors.New("every pose is captured; finalize the registration")
)
