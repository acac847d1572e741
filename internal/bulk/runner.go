package bulk

import (
	"context"
	"log/slog"

	"beaconservice/go-beacon-admin/internal/model"
	"beaconservice/go-beacon-admin/internal/proximity"
)

// Registrar registers and updates beacons. Both the admin client and the
// lifecycle manager satisfy it.
type Registrar interface {
	Register(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...proximity.Detail) (*model.BeaconInfo, error)
	Update(ctx context.Context, id string, placement model.Placement, stability model.Stability, details ...proximity.Detail) (*model.BeaconInfo, error)
}

// Result is the outcome of one sheet row.
type Result struct {
	Line     int               `json:"line"`
	BeaconID string            `json:"beacon_id"`
	Beacon   *model.BeaconInfo `json:"beacon,omitempty"`
	Skipped  bool              `json:"skipped,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Failed counts results that carry an error.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Error != "" && !r.Skipped {
			n++
		}
	}
	return n
}

// Runner applies sheets one row at a time. A failing row does not stop the
// rest; cancelling ctx does.
type Runner struct {
	reg    Registrar
	logger *slog.Logger
}

// NewRunner returns a Runner that sends rows through reg.
func NewRunner(reg Registrar, logger *slog.Logger) *Runner {
	return &Runner{reg: reg, logger: logger}
}

// Register registers every valid row.
func (r *Runner) Register(ctx context.Context, rows []Registration) []Result {
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		res := Result{Line: row.Line, BeaconID: row.BeaconID}
		switch {
		case row.Invalid != "":
			res.Error = row.Invalid
		case ctx.Err() != nil:
			res.Error = ctx.Err().Error()
		default:
			info, err := r.reg.Register(ctx, row.BeaconID, row.Placement, row.Stability, row.Details()...)
			if err != nil {
				res.Error = err.Error()
			}
			res.Beacon = info
		}
		r.log("register", res)
		results = append(results, res)
	}
	return results
}

// SetPlaces assigns the place id of every row, leaving the rest of each
// beacon's record as it is. Rows without a place id are skipped.
func (r *Runner) SetPlaces(ctx context.Context, places []Place) []Result {
	results := make([]Result, 0, len(places))
	for _, p := range places {
		res := Result{Line: p.Line, BeaconID: p.BeaconID}
		switch {
		case p.Invalid != "":
			res.Error = p.Invalid
		case p.PlaceID == "":
			res.Skipped = true
			res.Error = "no place id"
		case ctx.Err() != nil:
			res.Error = ctx.Err().Error()
		default:
			info, err := r.reg.Update(ctx, p.BeaconID, model.Placement{PlaceID: p.PlaceID}, model.StabilityUnspecified)
			if err != nil {
				res.Error = err.Error()
			}
			res.Beacon = info
		}
		r.log("set place", res)
		results = append(results, res)
	}
	return results
}

func (r *Runner) log(op string, res Result) {
	switch {
	case res.Skipped:
		r.logger.Warn("bulk row skipped", "op", op, "line", res.Line, "beacon", res.BeaconID, "reason", res.Error)
	case res.Error != "":
		r.logger.Warn("bulk row failed", "op", op, "line", res.Line, "beacon", res.BeaconID, "error", res.Error)
	default:
		r.logger.Info("bulk row applied", "op", op, "line", res.Line, "beacon", res.BeaconID)
	}
}
