// tileinval publishes one invalidation event to the Kafka topic the
// server consumes, for operational use and for exercising the pipeline
// end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/cartogrid/tileserv/internal/invalidation"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
	topic := flag.String("topic", "tile-invalidation", "invalidation topic")
	layer := flag.String("layer", "", "layer name (required)")
	op := flag.String("op", "update", "event op: insert|update|delete")
	bboxStr := flag.String("bbox", "", "x1,y1,x2,y2 in EPSG:4326 lon/lat (required)")
	minZoom := flag.Int("min-zoom", -1, "restrict to zooms >= this (-1 for unrestricted)")
	maxZoom := flag.Int("max-zoom", -1, "restrict to zooms <= this (-1 for unrestricted)")
	flag.Parse()

	if *layer == "" || *bboxStr == "" {
		flag.Usage()
		log.Fatal("both -layer and -bbox are required")
	}

	bbox, err := parseBBox(*bboxStr)
	if err != nil {
		log.Fatalf("bbox: %v", err)
	}

	ev := invalidation.Event{
		Version: 1,
		Op:      *op,
		Layer:   *layer,
		TS:      time.Now().UTC(),
		Source:  "tileinval",
		BBox:    bbox,
	}
	if *minZoom >= 0 {
		ev.MinZoom = minZoom
	}
	if *maxZoom >= 0 {
		ev.MaxZoom = maxZoom
	}
	if err := ev.Validate(); err != nil {
		log.Fatalf("event: %v", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_1_0_0

	prod, err := sarama.NewSyncProducer(splitCSV(*brokers), cfg)
	if err != nil {
		log.Fatalf("producer create: %v", err)
	}
	defer func() { _ = prod.Close() }()

	partition, offset, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: *topic,
		Key:   sarama.StringEncoder(*layer),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	log.Printf("published %s event for layer %s (partition %d, offset %d)", *op, *layer, partition, offset)
}

func parseBBox(s string) (invalidation.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return invalidation.BBox{}, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return invalidation.BBox{}, fmt.Errorf("value %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return invalidation.BBox{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3], SRID: "EPSG:4326"}, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
