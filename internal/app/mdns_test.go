package app

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"beaconservice/go-beacon-admin/internal/config"
)

func TestSanitizeMDNSInstance(t *testing.T) {
	assert.Equal(t, "Beacon Admin (host local)", sanitizeMDNSInstance(" Beacon Admin (host.local)\n"))
	assert.Equal(t, "Beacon Admin", sanitizeMDNSInstance("  "))
	assert.Len(t, []rune(sanitizeMDNSInstance(strings.Repeat("é", 100))), 63)
}

func TestSanitizeMDNSHost(t *testing.T) {
	assert.Equal(t, "my-box-1", sanitizeMDNSHost("My Box_1"))
	assert.Equal(t, "beaconadmin", sanitizeMDNSHost(""))
	assert.Len(t, sanitizeMDNSHost(strings.Repeat("a", 80)), 63)
}

func TestMDNSTXT(t *testing.T) {
	cfg := config.Default()
	cfg.HTTPPort = 9090
	a := New(cfg, slog.Default())

	txt := a.mdnsTXT("box")
	assert.Contains(t, txt, "http_port=9090")
	assert.Contains(t, txt, "host=box.local")
	assert.NotContains(t, strings.Join(txt, ","), "topic_prefix")

	cfg.MQTT.Enabled = true
	a = New(cfg, slog.Default())
	assert.Contains(t, a.mdnsTXT("box.lan"), "host=box.lan")
	assert.Contains(t, a.mdnsTXT("box"), "topic_prefix=beacons")
}

func TestStopMDNSWithoutServer(t *testing.T) {
	a := New(config.Default(), slog.Default())
	assert.NotPanics(t, a.stopMDNS)
	assert.Error(t, a.startMDNS(0))
}
