// Command beacon-sim publishes fake scanner sightings to the MQTT broker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"beaconservice/go-beacon-admin/internal/beaconid"
)

type sightingPayload struct {
	BeaconID  string `json:"beacon_id"`
	ScannerID string `json:"scanner_id"`
	RSSI      int    `json:"rssi"`
	TxPower   *int   `json:"tx_power,omitempty"`
	Timestamp string `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	beaconList := flag.String("beacons", "0011223344556677", "Comma separated hex beacon ids to simulate")
	scannerID := flag.String("scanner-id", "sim-scanner-1", "Scanner identifier")
	topicPrefix := flag.String("topic-prefix", "beacons", "Sighting topic prefix")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published sightings")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")
	txPower := flag.Int("tx-power", -59, "Advertised TX power, 0 to omit")

	flag.Parse()

	var ids []string
	for _, raw := range strings.Split(*beaconList, ",") {
		id, err := beaconid.Sanitize(raw)
		if err != nil {
			log.Fatalf("invalid beacon id: %v", err)
		}
		ids = append(ids, id)
	}

	clientID := fmt.Sprintf("%s-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func(id string) {
		payload := sightingPayload{
			BeaconID:  id,
			ScannerID: *scannerID,
			RSSI:      randomRSSI(*baseRSSI, *rssiJitter),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if *txPower != 0 {
			payload.TxPower = txPower
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		topic := fmt.Sprintf("%s/%s/sightings", *topicPrefix, id)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s rssi=%d", topic, payload.RSSI)
	}

	publishAll := func() {
		for _, id := range ids {
			publish(id)
		}
	}

	publishAll()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publishAll()
		}
	}
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	return base + rand.IntN(jitter*2+1) - jitter
}
