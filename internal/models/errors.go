package models

import "errors"

// Application-wide standard errors
var (
	// Common Resource/DB Errors
	ErrNotFound          = errors.New("resource not found") // General not found
	ErrStructureNotFound = errors.New("choice structure not found")
	ErrSessionNotFound   = errors.New("reader session not found")

	// Structure Build Errors (фатальные: структура отклоняется до выдачи читателям)
	ErrUnknownChapter    = errors.New("structure references an unknown chapter")
	ErrDanglingChoice    = errors.New("choice leads to a chapter that does not exist")
	ErrStructureNotValid = errors.New("structure has critical validation findings")
	ErrVersionConflict   = errors.New("structure version already exists")

	// Reader Path Errors (восстановимые, в пределах одной сессии)
	ErrInvalidChoice = errors.New("choice is not available at the current chapter")
	ErrSessionEnded  = errors.New("reader session has already ended")

	// Consequence Errors
	ErrOrphanedReference = errors.New("consequence references a missing character or plot thread")

	// Generation Errors
	ErrGenerationFailed     = errors.New("content generation failed")
	ErrInvalidProposal      = errors.New("generated proposal failed structure checks")
	ErrGenerationInProgress = errors.New("generation is already in progress for this story")

	// General Request/Server Errors
	ErrInternalServer = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrInvalidInput   = errors.New("invalid input data")
)
