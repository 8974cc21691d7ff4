// Command serve starts the HTTP inference service. The service comes up
// even without a model; /health reports 503 until a checkpoint loads.
package main

import (
	"flag"
	"log"
	"path/filepath"

	"wms/checkpoints"
	"wms/config"
	"wms/network"
	"wms/predict"
	"wms/serve"
	"wms/transforms"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		modelPath  = flag.String("model", "", "checkpoint to serve (defaults to the global best)")
		addr       = flag.String("addr", "", "listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	path := *modelPath
	if path == "" {
		path = filepath.Join(cfg.Paths.ModelsDir, checkpoints.GlobalBestName)
	}

	pre := &transforms.Preprocess{
		TargetSize:  cfg.Preprocess.TargetSize,
		StretchLow:  cfg.Preprocess.StretchLow,
		StretchHigh: cfg.Preprocess.StretchHigh,
	}

	var predictor *predict.Predictor
	if checkpoints.Exists(path) {
		predictor, err = predict.Load(path, func() network.Network {
			return network.NewWaterMeterNet(3, 16, 0)
		}, pre)
		if err != nil {
			log.Fatalf("loading model %s: %v", path, err)
		}
		log.Printf("model loaded from %s", path)
	} else {
		log.Printf("no checkpoint at %s, serving without a model", path)
	}

	app := serve.New(predictor)

	listen := cfg.Serving.Addr
	if *addr != "" {
		listen = *addr
	}
	log.Printf("listening on %s", listen)
	if err := app.Start(listen); err != nil {
		log.Fatal(err)
	}
}
