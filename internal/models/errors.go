package models

import "errors"

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrIngestion         = errors.New("ingestion failed")
	ErrGeneration        = errors.New("generation failed")
	ErrStorage           = errors.New("storage unavailable")
	ErrVectorUnavailable = errors.New("vector search unavailable")
)
