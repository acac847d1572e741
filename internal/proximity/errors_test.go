package proximity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconservice/go-beacon-admin/internal/rest"
)

func envelope(code int, status, msg string) []byte {
	return []byte(fmt.Sprintf(`{"error":{"code":%d,"message":%q,"status":%q}}`, code, msg, status))
}

func TestNormalizeClassification(t *testing.T) {
	tests := []struct {
		name   string
		op     Operation
		status int
		api    string
		want   Kind
	}{
		{"register conflict", OpRegister, 409, "ALREADY_EXISTS", KindAlreadyRegistered},
		{"register already exists as 400", OpRegister, 400, "ALREADY_EXISTS", KindAlreadyRegistered},
		{"register forbidden", OpRegister, 403, "PERMISSION_DENIED", KindRegisterPermissionDenied},
		{"register bad request", OpRegister, 400, "INVALID_ARGUMENT", KindUnknownRegistrationError},
		{"register unauthenticated", OpRegister, 401, "UNAUTHENTICATED", KindOther},
		{"register server error", OpRegister, 503, "UNAVAILABLE", KindOther},
		{"admin forbidden", OpAdmin, 403, "PERMISSION_DENIED", KindNotYours},
		{"admin not found", OpAdmin, 404, "NOT_FOUND", KindNotRegistered},
		{"admin decommissioned", OpAdmin, 400, "FAILED_PRECONDITION", KindNotRegistered},
		{"admin bad argument", OpAdmin, 400, "INVALID_ARGUMENT", KindOther},
		{"admin server error", OpAdmin, 500, "INTERNAL", KindOther},
		{"serving not found", OpServing, 404, "NOT_FOUND", KindNoSuchBeacon},
		{"serving forbidden", OpServing, 403, "PERMISSION_DENIED", KindNoSuchBeacon},
		{"serving bad key", OpServing, 400, "INVALID_ARGUMENT", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rerr := Normalize(tt.op, tt.status, envelope(tt.status, tt.api, "boom"))
			assert.Equal(t, tt.want, rerr.Kind)
			assert.Equal(t, tt.status, rerr.Status)
			assert.Equal(t, "boom", rerr.Message)
		})
	}
}

func TestNormalizeBodies(t *testing.T) {
	withDetails := Normalize(OpAdmin, 400, []byte(`{"error":{"code":400,"message":"bad","details":[{"field":"placeId"}]}}`))
	assert.JSONEq(t, `[{"field":"placeId"}]`, string(withDetails.Object))

	rawJSON := Normalize(OpAdmin, 400, []byte(`{"unexpected":true}`))
	assert.JSONEq(t, `{"unexpected":true}`, string(rawJSON.Object))
	assert.Equal(t, "Bad Request", rawJSON.Message)

	text := Normalize(OpAdmin, 502, []byte("upstream "+strings.Repeat("x", 1000)))
	assert.Nil(t, text.Object)
	assert.LessOrEqual(t, len(text.Message), maxMessageLen)
	assert.True(t, strings.HasPrefix(text.Message, "upstream"))

	empty := Normalize(OpServing, 404, nil)
	assert.Equal(t, "Not Found", empty.Message)
	assert.Equal(t, KindNoSuchBeacon, empty.Kind)
}

func TestRequestErrorMatching(t *testing.T) {
	rerr := Normalize(OpAdmin, 404, nil)
	var err error = rerr

	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.NotErrorIs(t, err, ErrNotYours)
	assert.Equal(t, KindNotRegistered, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "NotRegistered")
	assert.Contains(t, err.Error(), "404")
}

func TestFromTransport(t *testing.T) {
	terr := &rest.TransportError{Method: http.MethodGet, Path: "/namespaces", Err: errors.New("connection refused")}
	rerr := FromTransport(terr)

	assert.Equal(t, KindOther, rerr.Kind)
	assert.Zero(t, rerr.Status)
	assert.ErrorIs(t, rerr, ErrOther)

	var got *rest.TransportError
	require.True(t, errors.As(rerr, &got))
	assert.Equal(t, "/namespaces", got.Path)
	assert.Contains(t, rerr.Error(), "connection refused")
}

func TestTruncateKeepsUTF8(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := truncate(s, 5)
	assert.LessOrEqual(t, len(got), 5)
	assert.True(t, strings.HasPrefix(s, got))
}
