// Copyright 2025 James Ross
package queue

import "errors"

// ErrInvalidJob is returned by Validate and submit_job for malformed submissions.
var ErrInvalidJob = errors.New("invalid job")
