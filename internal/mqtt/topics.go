package mqtt

import "strings"

// Topics builds the topic names used between scanners and the daemon. Every
// topic lives under Prefix ("beacons" by default).
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return "beacons"
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// AllSightings matches the sighting topics of every beacon.
func (t Topics) AllSightings() string {
	return t.prefix() + "/+/sightings"
}

// Sightings is where scanners publish sightings of one beacon.
func (t Topics) Sightings(beaconID string) string {
	return t.prefix() + "/" + beaconID + "/sightings"
}

// Events is where lifecycle events of one beacon are published.
func (t Topics) Events(beaconID string) string {
	return t.prefix() + "/" + beaconID + "/events"
}

// BeaconFromTopic extracts the beacon segment of a per-beacon topic.
func (t Topics) BeaconFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
