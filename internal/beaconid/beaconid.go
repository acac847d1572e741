// Package beaconid converts beacon identifiers between the forms people type,
// the forms shown on screen, and the forms the Proximity Beacon API expects.
package beaconid

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	// Size is the length of an Eddystone-UID beacon identifier in bytes.
	Size = 8
	// HexLen is the length of a canonical identifier in hex characters.
	HexLen = Size * 2

	// EddystoneType is the numeric advertised-id type used in beacon names.
	EddystoneType = "3"
	// AdvertisedType is the advertised-id type string used in request bodies.
	AdvertisedType = "EDDYSTONE"

	beaconNamePrefix = "beacons/"
	displayGroup     = 8
)

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || r == '-' || r == ':'
}

// Sanitize strips separators from a human-entered identifier and returns the
// canonical lowercase hex form.
func Sanitize(id string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if isSeparator(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, id)

	if len(cleaned) != HexLen {
		return "", invalid("beacon id", id, fmt.Sprintf("expected %d hex characters, got %d", HexLen, len(cleaned)))
	}
	for _, r := range cleaned {
		if !isHex(r) {
			return "", invalid("beacon id", id, fmt.Sprintf("non-hex character %q", r))
		}
	}
	return cleaned, nil
}

// ToBytes decodes a string of hex pairs.
func ToBytes(h string) ([]byte, error) {
	if len(h)%2 != 0 {
		return nil, invalid("hex", h, "odd length")
	}
	for _, r := range h {
		if !isHex(r) {
			return nil, invalid("hex", h, fmt.Sprintf("non-hex character %q", r))
		}
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, invalid("hex", h, err.Error())
	}
	return b, nil
}

// Format renders raw identifier bytes in display form: lowercase hex split into
// space separated groups of four bytes.
func Format(b []byte) string {
	h := hex.EncodeToString(b)
	var sb strings.Builder
	for i := 0; i < len(h); i += displayGroup {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + displayGroup
		if end > len(h) {
			end = len(h)
		}
		sb.WriteString(h[i:end])
	}
	return sb.String()
}

// BeaconName returns the API resource name for id, e.g. "beacons/3!0011223344556677".
func BeaconName(id string) (string, error) {
	canonical, err := Sanitize(id)
	if err != nil {
		return "", err
	}
	return beaconNamePrefix + EddystoneType + "!" + canonical, nil
}

// ParseBeaconName extracts the canonical hex id from a beacon resource name.
func ParseBeaconName(name string) (string, error) {
	rest, ok := strings.CutPrefix(name, beaconNamePrefix)
	if !ok {
		return "", invalid("beacon name", name, "missing beacons/ prefix")
	}
	typ, id, ok := strings.Cut(rest, "!")
	if !ok || typ != EddystoneType {
		return "", invalid("beacon name", name, "expected 3!<hex>")
	}
	return Sanitize(id)
}

// Base64 encodes id for the advertisedId.id field.
func Base64(id string) (string, error) {
	canonical, err := Sanitize(id)
	if err != nil {
		return "", err
	}
	b, err := ToBytes(canonical)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// FromBase64 decodes an advertisedId.id value into canonical hex.
func FromBase64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", invalid("advertised id", s, err.Error())
	}
	if len(b) != Size {
		return "", invalid("advertised id", s, fmt.Sprintf("expected %d bytes, got %d", Size, len(b)))
	}
	return hex.EncodeToString(b), nil
}

// AttachmentName is a parsed "beacons/3!<hex>/attachments/<uuid>" resource name.
type AttachmentName struct {
	BeaconName   string
	BeaconID     string
	AttachmentID uuid.UUID
}

// ParseAttachmentName validates the structure of an attachment resource name.
// It does not prove the attachment exists.
func ParseAttachmentName(name string) (AttachmentName, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 4 {
		return AttachmentName{}, invalid("attachment name", name, fmt.Sprintf("expected 4 parts, found %d", len(parts)))
	}
	if parts[0] != "beacons" || parts[2] != "attachments" {
		return AttachmentName{}, invalid("attachment name", name, "expected beacons/<id>/attachments/<uuid>")
	}

	beaconName := parts[0] + "/" + parts[1]
	beaconID, err := ParseBeaconName(beaconName)
	if err != nil {
		return AttachmentName{}, err
	}

	attachmentID, err := uuid.Parse(parts[3])
	if err != nil {
		return AttachmentName{}, invalid("attachment name", name, "attachment id is not a uuid")
	}

	return AttachmentName{BeaconName: beaconName, BeaconID: beaconID, AttachmentID: attachmentID}, nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
