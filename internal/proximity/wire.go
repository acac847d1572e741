package proximity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
)

// Wire types mirror the JSON shapes of the v1beta1 API.

type wireAdvertisedID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type wireLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type wireIndoorLevel struct {
	Name string `json:"name"`
}

type wireBeacon struct {
	BeaconName        string            `json:"beaconName,omitempty"`
	AdvertisedID      *wireAdvertisedID `json:"advertisedId,omitempty"`
	Status            string            `json:"status,omitempty"`
	PlaceID           string            `json:"placeId,omitempty"`
	LatLng            *wireLatLng       `json:"latLng,omitempty"`
	IndoorLevel       *wireIndoorLevel  `json:"indoorLevel,omitempty"`
	ExpectedStability string            `json:"expectedStability,omitempty"`
	Description       string            `json:"description,omitempty"`
	Properties        map[string]string `json:"properties,omitempty"`
}

type wireListBeacons struct {
	Beacons       []wireBeacon `json:"beacons"`
	NextPageToken string       `json:"nextPageToken"`
	TotalCount    json.Number  `json:"totalCount"`
}

type wireAttachment struct {
	AttachmentName string `json:"attachmentName,omitempty"`
	NamespacedType string `json:"namespacedType"`
	Data           string `json:"data"`
}

type wireListAttachments struct {
	Attachments []wireAttachment `json:"attachments"`
}

type wireBatchDelete struct {
	NumDeleted int `json:"numDeleted"`
}

type wireNamespace struct {
	NamespaceName     string `json:"namespaceName"`
	ServingVisibility string `json:"servingVisibility,omitempty"`
}

type wireListNamespaces struct {
	Namespaces []wireNamespace `json:"namespaces"`
}

type wireObservation struct {
	AdvertisedID wireAdvertisedID `json:"advertisedId"`
	Timestamp    string           `json:"timestamp,omitempty"`
}

type wireObserveRequest struct {
	Observations    []wireObservation `json:"observations"`
	NamespacedTypes []string          `json:"namespacedTypes,omitempty"`
}

type wireObservedBeacon struct {
	AdvertisedID *wireAdvertisedID `json:"advertisedId,omitempty"`
	BeaconName   string            `json:"beaconName"`
	Description  string            `json:"description,omitempty"`
	Attachments  []wireAttachment  `json:"attachments"`
}

type wireObserveResponse struct {
	Beacons []wireObservedBeacon `json:"beacons"`
}

type wireDate struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

type wireDiagnostics struct {
	BeaconName              string    `json:"beaconName"`
	EstimatedLowBatteryDate *wireDate `json:"estimatedLowBatteryDate,omitempty"`
	Alerts                  []string  `json:"alerts"`
}

type wireListDiagnostics struct {
	Diagnostics   []wireDiagnostics `json:"diagnostics"`
	NextPageToken string            `json:"nextPageToken"`
}

func advertisedID(id string) (*wireAdvertisedID, error) {
	enc, err := beaconid.Base64(id)
	if err != nil {
		return nil, err
	}
	return &wireAdvertisedID{Type: beaconid.AdvertisedType, ID: enc}, nil
}

func toBeaconInfo(w wireBeacon) model.BeaconInfo {
	info := model.BeaconInfo{
		BeaconName:  w.BeaconName,
		Status:      model.Status(w.Status),
		Stability:   model.Stability(w.ExpectedStability),
		PlaceID:     w.PlaceID,
		Description: w.Description,
		Properties:  w.Properties,
	}
	if info.Status == "" {
		info.Status = model.StatusUnspecified
	}
	if info.Stability == "STABILITY_UNSPECIFIED" {
		info.Stability = model.StabilityUnspecified
	}
	if w.AdvertisedID != nil {
		if id, err := beaconid.FromBase64(w.AdvertisedID.ID); err == nil {
			info.BeaconID = id
		}
	}
	if info.BeaconID == "" && w.BeaconName != "" {
		if id, err := beaconid.ParseBeaconName(w.BeaconName); err == nil {
			info.BeaconID = id
		}
	}
	if w.LatLng != nil {
		info.LatLng = &model.LatLng{Latitude: w.LatLng.Latitude, Longitude: w.LatLng.Longitude}
	}
	if w.IndoorLevel != nil {
		info.IndoorLevel = w.IndoorLevel.Name
	}
	return info
}

func toAttachment(w wireAttachment) (model.Attachment, error) {
	data, err := decodeData(w.Data)
	if err != nil {
		return model.Attachment{}, &RequestError{
			Kind:    KindOther,
			Message: fmt.Sprintf("attachment %s: undecodable data: %v", w.AttachmentName, err),
			Err:     err,
		}
	}
	return model.Attachment{Name: w.AttachmentName, NamespacedType: w.NamespacedType, Data: data}, nil
}

func toAttachments(ws []wireAttachment) ([]model.Attachment, error) {
	out := make([]model.Attachment, 0, len(ws))
	for _, w := range ws {
		att, err := toAttachment(w)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

// decodeData accepts standard and URL-safe base64, padded or not, as the API
// has used all of them.
func decodeData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func toDiagnostics(w wireDiagnostics) model.Diagnostics {
	d := model.Diagnostics{BeaconName: w.BeaconName, Alerts: w.Alerts}
	if w.EstimatedLowBatteryDate != nil && w.EstimatedLowBatteryDate.Year > 0 {
		t := time.Date(w.EstimatedLowBatteryDate.Year, time.Month(w.EstimatedLowBatteryDate.Month), w.EstimatedLowBatteryDate.Day, 0, 0, 0, 0, time.UTC)
		d.EstimatedLowBatteryDate = &t
	}
	return d
}

func encodeData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
