// Command validate runs the dataset quality gate and prints the report as
// JSON. It exits non-zero on FAIL so pipelines can gate on it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"wms/config"
	"wms/dataqa"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		dataDir    = flag.String("data", "", "dataset root containing images/ and masks/ (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	dir := cfg.Paths.DataDir
	if *dataDir != "" {
		dir = *dataDir
	}

	report := dataqa.Validate(dir, dataqa.Config{
		ExpectedWidth:      cfg.Validation.ExpectedWidth,
		ExpectedHeight:     cfg.Validation.ExpectedHeight,
		MinCoveragePercent: cfg.Validation.MinCoveragePercent,
	})

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("serializing report: %v", err)
	}
	fmt.Println(string(out))

	if !report.Passed() {
		os.Exit(1)
	}
}
