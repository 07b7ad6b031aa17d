// Command tileinval publishes a region invalidation event for tilecached.
//
//	tileinval -bbox 59.40,59.30,18.10,18.00 -min-zoom 12 -version 4
//	tileinval -lat 59.3293 -lon 18.0686 -res 8 -ring 1
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/offline-tile-cache/internal/core/model"
	h3mapper "github.com/mohammed-shakir/offline-tile-cache/internal/mapper/h3"
	"github.com/mohammed-shakir/offline-tile-cache/pkg/invalidation/kafka"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tileinval:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("tileinval", flag.ContinueOnError)
	bbox := fs.String("bbox", "", "north,south,east,west in degrees")
	lat := fs.Float64("lat", 0, "latitude of an H3 region center")
	lon := fs.Float64("lon", 0, "longitude of an H3 region center")
	res := fs.Int("res", -1, "H3 resolution; enables the cell region")
	ring := fs.Int("ring", 0, "neighbor rings around the center cell")
	minZoom := fs.Int("min-zoom", -1, "lowest zoom to drop (default 0)")
	maxZoom := fs.Int("max-zoom", -1, "highest zoom to drop (default 22)")
	id := fs.String("id", "", "region id used for versioning")
	source := fs.String("source", "tileinval", "event source")
	version := fs.Uint64("version", 0, "region version; 0 always applies")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ev, err := buildEvent(*bbox, *lat, *lon, *res, *ring, *minZoom, *maxZoom)
	if err != nil {
		return err
	}
	ev.ID, ev.Source, ev.Version, ev.Op = *id, *source, *version, "update"

	cfg := kafka.FromEnv()
	pub, err := kafka.NewPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	part, off, err := pub.Publish(ev)
	if err != nil {
		return err
	}
	fmt.Printf("published to %s partition %d offset %d\n", cfg.Topic, part, off)
	return nil
}

func buildEvent(bbox string, lat, lon float64, res, ring, minZoom, maxZoom int) (kafka.Event, error) {
	var ev kafka.Event
	if bbox != "" {
		b, err := parseBBox(bbox)
		if err != nil {
			return ev, err
		}
		ev.BBox = &b
	}
	if res >= 0 {
		cells, err := h3mapper.New().CellsAround(model.LatLng{Lat: lat, Lon: lon}, res, ring)
		if err != nil {
			return ev, err
		}
		ev.H3Cells = cells
	}
	if minZoom >= 0 {
		ev.MinZoom = &minZoom
	}
	if maxZoom >= 0 {
		ev.MaxZoom = &maxZoom
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

func parseBBox(s string) (kafka.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return kafka.BBox{}, fmt.Errorf("bbox needs 4 comma-separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return kafka.BBox{}, fmt.Errorf("bbox value %d: %w", i, err)
		}
		v[i] = f
	}
	return kafka.BBox{North: v[0], South: v[1], East: v[2], West: v[3]}, nil
}
