package bulk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconservice/go-beacon-admin/internal/model"
)

const registrationSheet = `id,type,place_id,status,expectedStability,description,indoorLevel,latitude,longitude,position,owner
0011-2233-4455-6677,eddystone,ChIJ,,,Front door,1,,,entryway,facilities
8899aabbccddeeff,,,inactive,mobile,,,44.97,-93.27,,

not-hex,,,,,,,,,,
0123456789abcdef,IBEACON,,,,,,,,,
1111111111111111,,,,,,,44.97,,,
2222222222222222,,,DECOMMISSIONED,,,,,,,
3333333333333333,,,,SOMETIMES,,,,,,
`

func TestParseRegistrations(t *testing.T) {
	rows, err := ParseRegistrations(strings.NewReader(registrationSheet))
	require.NoError(t, err)
	require.Len(t, rows, 7)

	first := rows[0]
	assert.Equal(t, 2, first.Line)
	assert.Equal(t, "0011223344556677", first.BeaconID)
	assert.Equal(t, "ChIJ", first.Placement.PlaceID)
	assert.Equal(t, model.StatusActive, first.Status)
	assert.Equal(t, model.StabilityStable, first.Stability)
	assert.Equal(t, "Front door", first.Description)
	assert.Equal(t, "1", first.IndoorLevel)
	assert.Equal(t, map[string]string{"position": "entryway", "owner": "facilities"}, first.Properties)
	assert.Empty(t, first.Invalid)
	assert.Len(t, first.Details(), 4)

	second := rows[1]
	assert.Equal(t, model.StatusInactive, second.Status)
	assert.Equal(t, model.StabilityMobile, second.Stability)
	require.NotNil(t, second.Placement.LatLng)
	assert.InDelta(t, -93.27, second.Placement.LatLng.Longitude, 1e-9)
	assert.Nil(t, second.Properties)
	assert.Len(t, second.Details(), 1)

	assert.Equal(t, 5, rows[2].Line)
	for _, row := range rows[2:] {
		assert.NotEmpty(t, row.Invalid, "line %d", row.Line)
	}
	assert.Contains(t, rows[3].Invalid, "IBEACON")
	assert.Contains(t, rows[4].Invalid, "together")
}

func TestParseRegistrationsHeaderErrors(t *testing.T) {
	_, err := ParseRegistrations(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = ParseRegistrations(strings.NewReader("place_id\nChIJ\n"))
	assert.ErrorContains(t, err, `"id"`)

	_, err = ParseRegistrations(strings.NewReader("id,id\n0011223344556677,0011223344556677\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = ParseRegistrations(strings.NewReader("id\n\"0011\n"))
	assert.Error(t, err)
}

func TestParseRegistrationsByteOrderMark(t *testing.T) {
	rows, err := ParseRegistrations(strings.NewReader("\ufeffid\n0011223344556677\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0011223344556677", rows[0].BeaconID)
}

func TestParsePlaces(t *testing.T) {
	sheet := `beacon_name,place_id
beacons/3!0011223344556677,ChIJ1
8899-aabb-ccdd-eeff,
beacons/4!0011223344556677,ChIJ2
`
	places, err := ParsePlaces(strings.NewReader(sheet))
	require.NoError(t, err)
	require.Len(t, places, 3)

	assert.Equal(t, Place{Line: 2, BeaconID: "0011223344556677", PlaceID: "ChIJ1"}, places[0])
	assert.Equal(t, "8899aabbccddeeff", places[1].BeaconID)
	assert.Empty(t, places[1].PlaceID)
	assert.NotEmpty(t, places[2].Invalid)

	places, err = ParsePlaces(strings.NewReader("beacon_id,place_id\n0011223344556677,ChIJ\n"))
	require.NoError(t, err)
	assert.Equal(t, "0011223344556677", places[0].BeaconID)

	_, err = ParsePlaces(strings.NewReader("beacon_name\nbeacons/3!0011223344556677\n"))
	assert.ErrorContains(t, err, "place_id")
}
