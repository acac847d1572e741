package proximity_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/model"
	"beaconservice/go-beacon-admin/internal/proximity"
	"beaconservice/go-beacon-admin/internal/proximity/proximitytest"
	"beaconservice/go-beacon-admin/internal/rest"
)

func TestNewAdminClientRejectsBadBaseURL(t *testing.T) {
	_, err := proximity.NewAdminClient(nil, "http://localhost/", nil)
	require.Error(t, err)

	for _, base := range []string{"", "ftp://host/", "://bad", "http://"} {
		_, err := proximity.NewServingClient(fakeExec{}, base)
		assert.Error(t, err, base)
	}
}

func TestRegisterTwice(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	info, err := c.admin.Register(ctx, beaconA, model.Placement{PlaceID: "ChIJ123"}, model.StabilityStable)
	require.NoError(t, err)
	assert.Equal(t, "0011223344556677", info.BeaconID)
	assert.Equal(t, "beacons/3!0011223344556677", info.BeaconName)
	assert.Equal(t, model.StatusActive, info.Status)
	assert.Equal(t, model.StabilityStable, info.Stability)
	assert.Equal(t, "ChIJ123", info.PlaceID)

	_, err = c.admin.Register(ctx, beaconA, model.Placement{}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, proximity.ErrAlreadyRegistered)
	assert.Equal(t, proximity.KindAlreadyRegistered, proximity.KindOf(err))

	var rerr *proximity.RequestError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusConflict, rerr.Status)
	assert.NotEmpty(t, rerr.Message)
}

func TestRegisterForeignBeacon(t *testing.T) {
	c := newClients(t)
	c.fake.AddForeign(beaconB)

	_, err := c.admin.Register(context.Background(), beaconB, model.Placement{}, "")
	assert.Equal(t, proximity.KindRegisterPermissionDenied, proximity.KindOf(err))

	_, err = c.admin.GetInfo(context.Background(), beaconB)
	assert.ErrorIs(t, err, proximity.ErrNotYours)
}

func TestValidationFailsBeforeNetwork(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"bad id", func() error { _, err := c.admin.Register(ctx, "xyz", model.Placement{}, ""); return err }},
		{"short id", func() error { return c.admin.Activate(ctx, "0011") }},
		{"bad stability", func() error {
			_, err := c.admin.Register(ctx, beaconA, model.Placement{}, "FLOATING")
			return err
		}},
		{"both placements", func() error {
			_, err := c.admin.Update(ctx, beaconA, model.Placement{PlaceID: "p", LatLng: &model.LatLng{Latitude: 1, Longitude: 2}}, "")
			return err
		}},
		{"latitude out of range", func() error {
			_, err := c.admin.Register(ctx, beaconA, model.Placement{LatLng: &model.LatLng{Latitude: 91}}, "")
			return err
		}},
		{"bad namespaced type", func() error {
			_, err := c.admin.AddAttachment(ctx, beaconA, "no-slash", []byte("x"))
			return err
		}},
		{"attachment of other beacon", func() error {
			return c.admin.DeleteAttachment(ctx, beaconA, "beacons/3!8899aabbccddeeff/attachments/7d444840-9dc0-11d1-b245-5ffdce74fad2")
		}},
		{"attachment name not a uuid", func() error {
			return c.admin.DeleteAttachment(ctx, beaconA, "beacons/3!0011223344556677/attachments/nope")
		}},
		{"negative page size", func() error {
			_, err := c.admin.ListBeacons(ctx, "", -1, "")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, beaconid.ErrInvalid)
			var verr *beaconid.ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}

	assert.Zero(t, c.fake.Requests())
}

func TestUpdate(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	_, err := c.admin.Update(ctx, beaconA, model.Placement{}, model.StabilityMobile)
	assert.ErrorIs(t, err, proximity.ErrNotRegistered)

	_, err = c.admin.Register(ctx, beaconA, model.Placement{}, "")
	require.NoError(t, err)

	info, err := c.admin.Update(ctx, beaconA, model.Placement{LatLng: &model.LatLng{Latitude: 51.5, Longitude: -0.12}}, model.StabilityMobile)
	require.NoError(t, err)
	assert.Equal(t, model.StabilityMobile, info.Stability)
	require.NotNil(t, info.LatLng)
	assert.InDelta(t, 51.5, info.LatLng.Latitude, 1e-9)
}

func TestLifecycle(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	_, err := c.admin.Register(ctx, beaconA, model.Placement{}, "")
	require.NoError(t, err)

	require.NoError(t, c.admin.Deactivate(ctx, beaconA))
	require.NoError(t, c.admin.Deactivate(ctx, beaconA))
	assert.Equal(t, model.StatusInactive, c.fake.Status(beaconA))

	require.NoError(t, c.admin.Activate(ctx, beaconA))
	require.NoError(t, c.admin.Activate(ctx, beaconA))
	assert.Equal(t, model.StatusActive, c.fake.Status(beaconA))

	require.NoError(t, c.admin.Decommission(ctx, beaconA))
	assert.Equal(t, model.StatusDecommissioned, c.fake.Status(beaconA))

	assert.ErrorIs(t, c.admin.Activate(ctx, beaconA), proximity.ErrNotRegistered)
	assert.ErrorIs(t, c.admin.Deactivate(ctx, beaconA), proximity.ErrNotRegistered)
	_, err = c.admin.Update(ctx, beaconA, model.Placement{}, "")
	assert.ErrorIs(t, err, proximity.ErrNotRegistered)

	info, err := c.admin.GetInfo(ctx, beaconA)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDecommissioned, info.Status)
}

func TestLifecycleUnknownBeacon(t *testing.T) {
	c := newClients(t)
	err := c.admin.Activate(context.Background(), beaconC)
	assert.Equal(t, proximity.KindNotRegistered, proximity.KindOf(err))
}

func TestGetInfos(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()
	c.fake.AddForeign(beaconC)

	_, err := c.admin.Register(ctx, beaconA, model.Placement{}, "")
	require.NoError(t, err)

	results := c.admin.GetInfos(ctx, []string{beaconA, beaconB, beaconC, "0011223344556677", "zz"})
	require.Len(t, results, 4)

	a := results["0011223344556677"]
	require.NoError(t, a.Err)
	assert.Equal(t, model.StatusActive, a.Info.Status)

	assert.ErrorIs(t, results["8899aabbccddeeff"].Err, proximity.ErrNotRegistered)
	assert.ErrorIs(t, results["0123456789abcdef"].Err, proximity.ErrNotYours)
	assert.ErrorIs(t, results["zz"].Err, beaconid.ErrInvalid)
}

func TestListBeaconsPagination(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.admin.Register(ctx, fmt.Sprintf("00000000000000%02x", i), model.Placement{}, "")
		require.NoError(t, err)
	}
	require.NoError(t, c.admin.Deactivate(ctx, "0000000000000003"))

	page, err := c.admin.ListBeacons(ctx, "", 2, "")
	require.NoError(t, err)
	assert.Len(t, page.Beacons, 2)
	assert.EqualValues(t, 5, page.TotalCount)
	require.NotEmpty(t, page.NextPageToken)

	next, err := c.admin.ListBeacons(ctx, "", 2, page.NextPageToken)
	require.NoError(t, err)
	assert.NotEqual(t, page.Beacons[0].BeaconID, next.Beacons[0].BeaconID)

	all, err := c.admin.ListAllBeacons(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	inactive, err := c.admin.ListAllBeacons(ctx, "status:inactive")
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "0000000000000003", inactive[0].BeaconID)
}

func TestListAllBeaconsStopsOnRepeatedToken(t *testing.T) {
	calls := 0
	exec := fakeExec{fn: func(string) (int, string) {
		calls++
		return http.StatusOK, `{"beacons":[{"beaconName":"beacons/3!0011223344556677"}],"nextPageToken":"same"}`
	}}
	admin, err := proximity.NewAdminClient(exec, "http://api.test/v1beta1/", proximity.StaticToken("t"))
	require.NoError(t, err)

	all, err := admin.ListAllBeacons(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 2, calls)
}

func TestListNamespaces(t *testing.T) {
	c := newClients(t)
	namespaces, err := c.admin.ListNamespaces(context.Background())
	require.NoError(t, err)
	require.Len(t, namespaces, 1)
	assert.Equal(t, "namespaces/"+proximitytest.Namespace, namespaces[0].Name)
	assert.Equal(t, "UNLISTED", namespaces[0].ServingVisibility)
}

func TestAttachments(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()
	ns := proximitytest.Namespace

	_, err := c.admin.Register(ctx, beaconA, model.Placement{}, "")
	require.NoError(t, err)

	first, err := c.admin.AddAttachment(ctx, beaconA, ns+"/greeting", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), first.Data)
	_, err = beaconid.ParseAttachmentName(first.Name)
	require.NoError(t, err)

	_, err = c.admin.AddAttachment(ctx, beaconA, ns+"/greeting", []byte("bonjour"))
	require.NoError(t, err)
	_, err = c.admin.AddAttachment(ctx, beaconA, ns+"/menu", []byte{0x00, 0xff})
	require.NoError(t, err)

	all, err := c.admin.ListAttachments(ctx, beaconA, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	menus, err := c.admin.ListAttachments(ctx, beaconA, ns+"/menu")
	require.NoError(t, err)
	require.Len(t, menus, 1)
	assert.Equal(t, []byte{0x00, 0xff}, menus[0].Data)

	require.NoError(t, c.admin.DeleteAttachment(ctx, beaconA, first.Name))
	assert.Equal(t, 2, c.fake.AttachmentCount(beaconA))

	err = c.admin.DeleteAttachment(ctx, beaconA, first.Name)
	assert.ErrorIs(t, err, proximity.ErrNotRegistered)

	n, err := c.admin.DeleteAllAttachments(ctx, beaconA, ns+"/greeting")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := c.admin.ListAttachments(ctx, beaconA, ns+"/greeting")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	n, err = c.admin.DeleteAllAttachments(ctx, beaconA, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, c.fake.AttachmentCount(beaconA))
}

func TestAddAttachmentForeignNamespace(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()
	_, err := c.admin.Register(ctx, beaconA, model.Placement{}, "")
	require.NoError(t, err)

	_, err = c.admin.AddAttachment(ctx, beaconA, "someone-else/type", []byte("x"))
	assert.ErrorIs(t, err, proximity.ErrNotYours)
}

func TestMissingToken(t *testing.T) {
	fake := proximitytest.NewServer()
	defer fake.Close()

	admin, err := proximity.NewAdminClient(fakeExec{}, fake.BaseURL(), nil)
	require.NoError(t, err)
	err = admin.Activate(context.Background(), beaconA)
	assert.ErrorIs(t, err, proximity.ErrNoToken)

	admin, err = proximity.NewAdminClient(fakeExec{}, fake.BaseURL(), proximity.StaticToken(""))
	require.NoError(t, err)
	_, err = admin.ListNamespaces(context.Background())
	assert.ErrorIs(t, err, proximity.ErrNoToken)
}

func TestWrongTokenIsOther(t *testing.T) {
	c := newClients(t)
	admin, err := proximity.NewAdminClient(restExec(), c.fake.BaseURL(), proximity.StaticToken("wrong"))
	require.NoError(t, err)

	_, err = admin.ListNamespaces(context.Background())
	var rerr *proximity.RequestError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, proximity.KindOther, rerr.Kind)
	assert.Equal(t, http.StatusUnauthorized, rerr.Status)
}

func TestServerFaultIsOther(t *testing.T) {
	c := newClients(t)
	c.fake.FailNext(http.StatusInternalServerError, "INTERNAL")

	_, err := c.admin.GetInfo(context.Background(), beaconA)
	var rerr *proximity.RequestError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, proximity.KindOther, rerr.Kind)
	assert.Equal(t, http.StatusInternalServerError, rerr.Status)
	assert.Equal(t, "injected failure", rerr.Message)
}

func TestGetInfosManyConcurrentIDs(t *testing.T) {
	exec := fakeExec{fn: func(url string) (int, string) {
		name := url[strings.Index(url, "beacons/"):]
		return http.StatusOK, `{"beaconName":"` + name + `","status":"ACTIVE"}`
	}}
	admin, err := proximity.NewAdminClient(exec, "http://api.test/v1beta1/", proximity.StaticToken("t"))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 400; i++ {
		ids = append(ids, fmt.Sprintf("%016x", i))
		ids = append(ids, fmt.Sprintf("bad-%d", i))
	}
	ids = append(ids, ids[0], ids[2])

	results := admin.GetInfos(context.Background(), ids)
	require.Len(t, results, 800)
	for i := 0; i < 400; i++ {
		ok := results[fmt.Sprintf("%016x", i)]
		require.NoError(t, ok.Err)
		assert.Equal(t, fmt.Sprintf("%016x", i), ok.Info.BeaconID)
		assert.ErrorIs(t, results[fmt.Sprintf("bad-%d", i)].Err, beaconid.ErrInvalid)
	}
}

func TestRegisterWithDetails(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	info, err := c.admin.Register(ctx, beaconA, model.Placement{}, model.StabilityPortable,
		proximity.WithDescription("2nd floor door"),
		proximity.WithIndoorLevel("2"),
		proximity.WithProperties(map[string]string{"position": "entryway"}),
		proximity.WithStatus(model.StatusInactive),
	)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInactive, info.Status)
	assert.Equal(t, "2nd floor door", info.Description)
	assert.Equal(t, "2", info.IndoorLevel)
	assert.Equal(t, map[string]string{"position": "entryway"}, info.Properties)
}

func TestUpdateKeepsUnchangedFields(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	_, err := c.admin.Register(ctx, beaconA, model.Placement{LatLng: &model.LatLng{Latitude: 44.97, Longitude: -93.27}}, model.StabilityStable,
		proximity.WithDescription("2nd floor door"),
		proximity.WithIndoorLevel("2"),
		proximity.WithProperties(map[string]string{"position": "entryway"}),
	)
	require.NoError(t, err)

	info, err := c.admin.Update(ctx, beaconA, model.Placement{PlaceID: "ChIJ"}, "")
	require.NoError(t, err)
	assert.Equal(t, "ChIJ", info.PlaceID)
	assert.Nil(t, info.LatLng)
	assert.Equal(t, model.StabilityStable, info.Stability)
	assert.Equal(t, "2nd floor door", info.Description)
	assert.Equal(t, "2", info.IndoorLevel)
	assert.Equal(t, map[string]string{"position": "entryway"}, info.Properties)

	info, err = c.admin.Update(ctx, beaconA, model.Placement{}, model.StabilityMobile, proximity.WithDescription(""))
	require.NoError(t, err)
	assert.Equal(t, "ChIJ", info.PlaceID)
	assert.Equal(t, model.StabilityMobile, info.Stability)
	assert.Empty(t, info.Description)
	assert.Equal(t, "2", info.IndoorLevel)

	stored, err := c.admin.GetInfo(ctx, beaconA)
	require.NoError(t, err)
	assert.Equal(t, info, stored)
}

func TestUpdateSendsFullRecord(t *testing.T) {
	var put map[string]any
	exec := execFunc(func(req rest.Request) rest.Response {
		if req.Method == http.MethodGet {
			return rest.Response{Status: http.StatusOK, Body: []byte(`{
				"beaconName": "beacons/3!0011223344556677",
				"advertisedId": {"type": "EDDYSTONE", "id": "ABEiM0RVZnc="},
				"status": "ACTIVE",
				"latLng": {"latitude": 1, "longitude": 2},
				"description": "2nd floor door",
				"provisioningKey": "a2V5"
			}`)}
		}
		require.NoError(t, json.Unmarshal(req.Body, &put))
		return rest.Response{Status: http.StatusOK, Body: req.Body}
	})
	admin, err := proximity.NewAdminClient(exec, "http://api.test/v1beta1/", proximity.StaticToken("t"))
	require.NoError(t, err)

	_, err = admin.Update(context.Background(), beaconA, model.Placement{PlaceID: "ChIJ"}, model.StabilityStable)
	require.NoError(t, err)

	assert.Equal(t, "ChIJ", put["placeId"])
	assert.NotContains(t, put, "latLng")
	assert.Equal(t, "STABLE", put["expectedStability"])
	assert.Equal(t, "2nd floor door", put["description"])
	assert.Equal(t, "a2V5", put["provisioningKey"])
	assert.Equal(t, "beacons/3!0011223344556677", put["beaconName"])
}

func TestDeleteBeacon(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()

	_, err := c.admin.Register(ctx, beaconA, model.Placement{}, "")
	require.NoError(t, err)
	require.NoError(t, c.admin.Decommission(ctx, beaconA))

	require.NoError(t, c.admin.Delete(ctx, beaconA))
	assert.Equal(t, model.StatusUnregistered, c.fake.Status(beaconA))

	assert.ErrorIs(t, c.admin.Delete(ctx, beaconA), proximity.ErrNotRegistered)
	assert.ErrorIs(t, c.admin.Delete(ctx, "nope"), beaconid.ErrInvalid)

	_, err = c.admin.Register(ctx, beaconA, model.Placement{}, "")
	assert.NoError(t, err)
}

func TestProjectIDOnAuthorisedCalls(t *testing.T) {
	c := newClients(t)
	ctx := context.Background()
	exec := restExec()

	admin, err := proximity.NewAdminClient(exec, c.fake.BaseURL(), proximity.StaticToken(proximitytest.Token), proximity.WithProjectID("proj-1"))
	require.NoError(t, err)
	serving, err := proximity.NewServingClient(exec, c.fake.BaseURL(), proximity.WithProjectID("proj-1"))
	require.NoError(t, err)

	_, err = admin.Register(ctx, beaconA, model.Placement{}, "")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", c.fake.ProjectID())

	_, err = admin.ListAttachments(ctx, beaconA, "")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", c.fake.ProjectID())

	_, err = serving.Observe(ctx, beaconA, proximitytest.APIKey, nil)
	require.NoError(t, err)
	assert.Empty(t, c.fake.ProjectID())
}

func TestUndecodableAttachmentData(t *testing.T) {
	exec := fakeExec{fn: func(string) (int, string) {
		return http.StatusOK, `{"attachments":[{"attachmentName":"beacons/3!0011223344556677/attachments/5a0b2c6e-4cde-4a39-8f4c-1a2b3c4d5e6f","namespacedType":"ns/t","data":"not base64!"}]}`
	}}
	admin, err := proximity.NewAdminClient(exec, "http://api.test/v1beta1/", proximity.StaticToken("t"))
	require.NoError(t, err)

	_, err = admin.ListAttachments(context.Background(), beaconA, "")
	assert.Equal(t, proximity.KindOther, proximity.KindOf(err))
	assert.ErrorContains(t, err, "undecodable data")
}
