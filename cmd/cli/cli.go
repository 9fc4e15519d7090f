package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/fleetmon/internal/metrics"
)

// Prints one sample of the local machine, the same record a monitoring run
// writes per tick.
func main() {
	sampler := metrics.NewLocalSampler(metrics.SamplerParams{
		CpuWindow: 1 * time.Second,
		DiskPath:  "/",
	})
	sample, err := sampler.Sample(context.Background())
	if err != nil {
		log.Fatalf("Error getting metrics: %v", err)
	}
	// dump sample to JSON
	json, err := json.MarshalIndent(sample, "", " ")
	if err != nil {
		log.Fatalf("Error marshalling metrics: %v", err)
	}
	fmt.Println(string(json))
}
