package service

import "errors"

// ErrDecommissioned is wrapped by the RequestError returned when a lifecycle
// operation targets a beacon already known to be decommissioned.
var ErrDecommissioned = errors.New("service: beacon is decommissioned")
