package storage

import "github.com/ashita-ai/manabi/internal/model"

// ErrNotFound is returned when a requested entity does not exist. It is the
// same value as model.ErrNotFound so services can match either.
var ErrNotFound = model.ErrNotFound
