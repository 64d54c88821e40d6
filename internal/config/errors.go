package config

import "errors"

// ErrNotFound is returned when a requested server or user does not exist in
// the credential document.
var ErrNotFound = errors.New("not found")

// ErrVersionTooOld is returned when the running application or the settings
// document is older than the minimum required by the shared configuration.
var ErrVersionTooOld = errors.New("version below required minimum")
