package service

import "beaconservice/go-beacon-admin/internal/model"

// Action is a lifecycle operation offered for a beacon.
type Action string

// Lifecycle actions.
const (
	ActionRegister     Action = "register"
	ActionUpdate       Action = "update"
	ActionActivate     Action = "activate"
	ActionDeactivate   Action = "deactivate"
	ActionDecommission Action = "decommission"
	ActionDelete       Action = "delete"
)

// Actions lists the actions a user may take on a beacon in the given status.
// ActionDelete is never offered here: it is an administrative escape hatch
// reached through the API and CLI only.
func Actions(status model.Status) []Action {
	switch status {
	case model.StatusUnregistered:
		return []Action{ActionRegister}
	case model.StatusActive:
		return []Action{ActionDeactivate, ActionDecommission}
	case model.StatusInactive:
		return []Action{ActionActivate, ActionDecommission}
	default:
		return []Action{}
	}
}
