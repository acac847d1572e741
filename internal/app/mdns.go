package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_beaconadmin._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "beaconadmin"
)

func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Beacon Admin (%s)", hostname))
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(hostname), nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) mdnsTXT(hostname string) []string {
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	txt := []string{
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"api=/api",
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	if a.cfg.MQTT.Enabled {
		txt = append(txt, fmt.Sprintf("topic_prefix=%s", a.topics.Prefix))
	}
	return txt
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Beacon Admin"
	}
	// DNS labels are limited to 63 characters.
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
