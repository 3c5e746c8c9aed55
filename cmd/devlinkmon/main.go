// devlinkmon prints every device announcement and envelope seen on the broker.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robotalks/devlink.go/pkg/envelope"
	"github.com/robotalks/devlink.go/pkg/transport/network/mqtt"
)

var (
	brokerURL  = "mqtt://localhost:1883/devlink/"
	deviceType string
)

func init() {
	if val := os.Getenv("DEVLINK_MQTT_URL"); val != "" {
		brokerURL = val
	}
	flag.StringVar(&brokerURL, "mqtt", brokerURL, "MQTT broker URL.")
	flag.StringVar(&deviceType, "device-type", "", "Only show devices of this type.")
}

func printPacket(topic string, payload []byte) {
	if strings.HasSuffix(topic, "/"+mqtt.TopicMeta) {
		if len(payload) == 0 {
			log.Printf("%s: offline", topic)
		} else {
			log.Printf("%s: online %s", topic, payload)
		}
		return
	}
	env, err := envelope.JSON.Decode(payload)
	if err != nil {
		log.Printf("%s: undecodable %d bytes: %v", topic, len(payload), err)
		return
	}
	line, _ := envelope.JSON.Encode(env)
	log.Printf("%s: %-20s %s", topic, env.Type, line)
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := mqtt.NewQueueFromURL(brokerURL)
	if err != nil {
		log.Fatalln(err)
	}
	if err := q.Connect(ctx); err != nil {
		log.Fatalln(err)
	}
	defer q.Close()

	filter := "#"
	if deviceType != "" {
		filter = deviceType + "/#"
	}
	sub := q.Sub(filter, mqtt.Handler(printPacket))
	defer sub.Close()
	<-ctx.Done()
}
