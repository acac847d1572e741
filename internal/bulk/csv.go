// Package bulk reads beacon sheets exported from a spreadsheet and applies
// them row by row through a Registrar.
package bulk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
	"beaconservice/go-beacon-admin/internal/proximity"
)

// Registration columns. Any other column becomes a beacon property.
const (
	colID          = "id"
	colType        = "type"
	colPlaceID     = "place_id"
	colStatus      = "status"
	colStability   = "expectedStability"
	colDescription = "description"
	colIndoorLevel = "indoorLevel"
	colLatitude    = "latitude"
	colLongitude   = "longitude"

	colBeaconName = "beacon_name"
	colBeaconID   = "beacon_id"
)

const eddystone = "EDDYSTONE"

// ErrNoHeader is returned for a sheet without a header row.
var ErrNoHeader = errors.New("bulk: missing header row")

// Registration is one row of a registration sheet. Invalid explains why the
// row cannot be registered; such rows are reported and never sent.
type Registration struct {
	Line        int               `json:"line"`
	BeaconID    string            `json:"beacon_id"`
	Placement   model.Placement   `json:"placement"`
	Stability   model.Stability   `json:"stability,omitempty"`
	Status      model.Status      `json:"status"`
	Description string            `json:"description,omitempty"`
	IndoorLevel string            `json:"indoor_level,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Invalid     string            `json:"invalid,omitempty"`
}

// Details converts the descriptive columns into register options.
func (r Registration) Details() []proximity.Detail {
	details := []proximity.Detail{proximity.WithStatus(r.Status)}
	if r.Description != "" {
		details = append(details, proximity.WithDescription(r.Description))
	}
	if r.IndoorLevel != "" {
		details = append(details, proximity.WithIndoorLevel(r.IndoorLevel))
	}
	if len(r.Properties) > 0 {
		details = append(details, proximity.WithProperties(r.Properties))
	}
	return details
}

// Place is one row of a place assignment sheet.
type Place struct {
	Line     int    `json:"line"`
	BeaconID string `json:"beacon_id"`
	PlaceID  string `json:"place_id"`
	Invalid  string `json:"invalid,omitempty"`
}

// sheet is a parsed CSV with a header row.
type sheet struct {
	header []string
	index  map[string]int
	rows   [][]string
	lines  []int
}

func readSheet(r io.Reader) (*sheet, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("bulk: read header: %w", err)
	}

	s := &sheet{index: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		s.header = append(s.header, h)
		if _, dup := s.index[h]; dup {
			return nil, fmt.Errorf("bulk: duplicate column %q", h)
		}
		s.index[h] = i
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bulk: %w", err)
		}
		if blank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		s.rows = append(s.rows, rec)
		s.lines = append(s.lines, line)
	}
	return s, nil
}

func (s *sheet) has(col string) bool {
	_, ok := s.index[col]
	return ok
}

func (s *sheet) get(row []string, col string) string {
	i, ok := s.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ParseRegistrations reads a registration sheet. Only an id column is
// required. Status defaults to ACTIVE and stability to STABLE.
func ParseRegistrations(r io.Reader) ([]Registration, error) {
	s, err := readSheet(r)
	if err != nil {
		return nil, err
	}
	if !s.has(colID) {
		return nil, fmt.Errorf("bulk: registration sheet needs an %q column", colID)
	}

	known := map[string]bool{
		colID: true, colType: true, colPlaceID: true, colStatus: true, colStability: true,
		colDescription: true, colIndoorLevel: true, colLatitude: true, colLongitude: true,
	}

	out := make([]Registration, 0, len(s.rows))
	for i, row := range s.rows {
		reg := Registration{
			Line:        s.lines[i],
			Status:      model.StatusActive,
			Stability:   model.StabilityStable,
			Description: s.get(row, colDescription),
			IndoorLevel: s.get(row, colIndoorLevel),
		}
		for _, col := range s.header {
			if known[col] || col == "" {
				continue
			}
			if v := s.get(row, col); v != "" {
				if reg.Properties == nil {
					reg.Properties = make(map[string]string)
				}
				reg.Properties[col] = v
			}
		}
		if err := fillRegistration(&reg, s, row); err != nil {
			reg.Invalid = err.Error()
		}
		out = append(out, reg)
	}
	return out, nil
}

func fillRegistration(reg *Registration, s *sheet, row []string) error {
	raw := s.get(row, colID)
	reg.BeaconID = raw

	if typ := strings.ToUpper(s.get(row, colType)); typ != "" && typ != eddystone {
		return fmt.Errorf("beacon type %s is not supported", typ)
	}
	id, err := beaconid.Sanitize(raw)
	if err != nil {
		return err
	}
	reg.BeaconID = id

	if v := strings.ToUpper(s.get(row, colStatus)); v != "" {
		st := model.Status(v)
		if st != model.StatusActive && st != model.StatusInactive {
			return fmt.Errorf("status %s cannot be registered", v)
		}
		reg.Status = st
	}
	if v := strings.ToUpper(s.get(row, colStability)); v != "" {
		stab := model.Stability(v)
		if !stab.Valid() {
			return fmt.Errorf("unknown stability %s", v)
		}
		reg.Stability = stab
	}

	reg.Placement.PlaceID = s.get(row, colPlaceID)
	lat, lng := s.get(row, colLatitude), s.get(row, colLongitude)
	if lat == "" && lng == "" {
		return nil
	}
	if lat == "" || lng == "" {
		return fmt.Errorf("latitude and longitude must be given together")
	}
	latV, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return fmt.Errorf("latitude %q: not a number", lat)
	}
	lngV, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return fmt.Errorf("longitude %q: not a number", lng)
	}
	reg.Placement.LatLng = &model.LatLng{Latitude: latV, Longitude: lngV}
	return nil
}

// ParsePlaces reads a place assignment sheet with a beacon_name (or
// beacon_id) column and a place_id column. Rows without a place id are kept
// so they can be reported as skipped.
func ParsePlaces(r io.Reader) ([]Place, error) {
	s, err := readSheet(r)
	if err != nil {
		return nil, err
	}
	idCol := colBeaconName
	if !s.has(idCol) {
		idCol = colBeaconID
	}
	if !s.has(idCol) || !s.has(colPlaceID) {
		return nil, fmt.Errorf("bulk: place sheet needs %q and %q columns", colBeaconName, colPlaceID)
	}

	out := make([]Place, 0, len(s.rows))
	for i, row := range s.rows {
		p := Place{Line: s.lines[i], BeaconID: s.get(row, idCol), PlaceID: s.get(row, colPlaceID)}
		if id, err := placeBeaconID(p.BeaconID); err != nil {
			p.Invalid = err.Error()
		} else {
			p.BeaconID = id
		}
		out = append(out, p)
	}
	return out, nil
}

// placeBeaconID accepts a resource name or a bare hex id.
func placeBeaconID(v string) (string, error) {
	if strings.HasPrefix(v, "beacons/") {
		return beaconid.ParseBeaconName(v)
	}
	return beaconid.Sanitize(v)
}
