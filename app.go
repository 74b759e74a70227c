package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tdewolff/canvas"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/tudopos/indoor"
)

// App encapsulates the application state and dependencies
type App struct {
	Config      *indoor.Config
	Calibration *indoor.SourceCalibration
	Sources     []indoor.Source
	Tracker     *indoor.SceneTracker
	MQTTClient  *indoor.MQTTClient
	Publisher   *indoor.Publisher

	// Per device pipelines, created on first fingerprint and kept so the
	// previous estimate seeds the next run. estMu also serializes
	// estimation across MQTT callbacks.
	estimators map[string]positionPipeline
	estMu      sync.Mutex

	// Command-line options
	ConfigFile        string
	CalibrationCache  string
	OutputFile        string
	DeviceID          string
	VectorFormat      string
	ForceExponent     string
	GridSpacing       float64
	SimplifyTolerance float64
	HTTPAddr          string
	MqttMode          bool
	HttpMode          bool
}

// positionPipeline is the estimator surface the modes need, satisfied by
// both Estimator and SequentialEstimator.
type positionPipeline interface {
	SetSources(sources []indoor.Source) error
	SetFingerprint(fp *indoor.Fingerprint) error
	SetInitialPosition(position []float64) error
	Estimate() ([]float64, error)
	EstimatedPosition() []float64
	Covariance() *mat.SymDense
}

// NewApp creates an App with default state
func NewApp() *App {
	return &App{
		Tracker:    indoor.NewSceneTracker(),
		estimators: make(map[string]positionPipeline),
	}
}

// ApplyOptions applies command-line options to the App
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.CalibrationCache = opts.CalibrationCache
	a.OutputFile = opts.OutputFile
	a.DeviceID = opts.DeviceID
	a.VectorFormat = opts.VectorFormat
	a.ForceExponent = opts.ForceExponent
	a.GridSpacing = opts.GridSpacing
	a.SimplifyTolerance = opts.SimplifyTolerance
	a.HTTPAddr = opts.HTTPAddr
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// newPipeline builds the estimation pipeline the config selects: the two
// phase RSSI+ranging sequence, or a single estimator that sees every
// reading kind when sequential is disabled.
func newPipeline(config *indoor.Config) (positionPipeline, error) {
	dims := config.GetDimensions()
	rssi, err := config.Estimator.Rssi.ToPhaseConfig()
	if err != nil {
		return nil, fmt.Errorf("estimator.rssi: %w", err)
	}
	ranging, err := config.Estimator.Ranging.ToPhaseConfig()
	if err != nil {
		return nil, fmt.Errorf("estimator.ranging: %w", err)
	}

	if config.IsSequential() {
		s, err := indoor.NewSequentialEstimator(dims, rssi, ranging)
		if err != nil {
			return nil, err
		}
		if config.Estimator.ProgressDelta > 0 {
			if err := s.SetProgressDelta(config.Estimator.ProgressDelta); err != nil {
				return nil, err
			}
		}
		return s, nil
	}

	e, err := indoor.NewEstimator(dims, ranging.Method)
	if err != nil {
		return nil, err
	}
	if err := e.ApplyPhaseConfig(ranging); err != nil {
		return nil, err
	}
	return e, nil
}

// sceneEstimator unwraps the single estimator that produced a pipeline's
// last result, for scene building.
func sceneEstimator(p positionPipeline) *indoor.Estimator {
	switch e := p.(type) {
	case *indoor.Estimator:
		return e
	case *indoor.SequentialEstimator:
		return e.ResultEstimator()
	}
	return nil
}

// cachePath resolves the path loss cache location: explicit flag first,
// then config, then the package default.
func (a *App) cachePath() string {
	if a.CalibrationCache != "" {
		return a.CalibrationCache
	}
	if a.Config != nil && a.Config.CalibrationCache != "" {
		return a.Config.CalibrationCache
	}
	return indoor.DefaultCalibrationCachePath
}

// gridSpacing resolves the renderer grid: flag first, then config.
func (a *App) gridSpacing() float64 {
	if a.GridSpacing > 0 {
		return a.GridSpacing
	}
	if a.Config != nil {
		return a.Config.GridSpacing
	}
	return 0
}

// httpAddr resolves the HTTP listen address: flag first, then config; the
// -http flag alone falls back to the default port.
func (a *App) httpAddr() string {
	if a.HTTPAddr != "" {
		return a.HTTPAddr
	}
	if a.Config != nil && a.Config.HTTPAddr != "" {
		return a.Config.HTTPAddr
	}
	if a.HttpMode {
		return ":8574"
	}
	return ""
}

// loadEstimationSetup loads the config and calibration cache and builds the
// source registry shared by the one-shot modes and the service.
func (a *App) loadEstimationSetup() error {
	config, err := indoor.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", a.ConfigFile, err)
	}
	a.Config = config

	cachePath := a.cachePath()
	cache, err := indoor.LoadCalibration(cachePath)
	if err != nil {
		log.Printf("Warning: failed to load calibration cache %s: %v", cachePath, err)
	} else if cache != nil {
		a.Calibration = cache
	}

	a.Sources = config.BuildSources(a.Calibration)
	a.applyForcedExponents()
	return nil
}

// applyForcedExponents overrides path loss exponents from the
// -force-exponent flag, taking precedence over config and calibration.
func (a *App) applyForcedExponents() {
	if a.ForceExponent == "" {
		return
	}
	forced := indoor.BuildForceExponentMap(a.ForceExponent)
	for i := range a.Sources {
		if exp, ok := forced[a.Sources[i].ID]; ok {
			a.Sources[i].PathLossExponent = exp
			log.Printf("Forcing path loss exponent %.2f for %s", exp, a.Sources[i].ID)
		}
	}
}

// estimateFingerprint runs one fingerprint through the per-device pipeline
// and returns the resulting scene and position record.
func (a *App) estimateFingerprint(deviceID string, fp *indoor.Fingerprint) (*indoor.Scene, *indoor.DevicePosition, error) {
	a.estMu.Lock()
	defer a.estMu.Unlock()

	p, ok := a.estimators[deviceID]
	if !ok {
		var err error
		p, err = newPipeline(a.Config)
		if err != nil {
			return nil, nil, err
		}
		if err := p.SetSources(a.Sources); err != nil {
			return nil, nil, err
		}
		a.estimators[deviceID] = p
	}

	if err := p.SetFingerprint(fp); err != nil {
		return nil, nil, err
	}
	// The previous estimate seeds the next run.
	if prev := p.EstimatedPosition(); prev != nil {
		if err := p.SetInitialPosition(prev); err != nil {
			return nil, nil, err
		}
	}

	coords, err := p.Estimate()
	if err != nil {
		return nil, nil, err
	}

	scene := &indoor.Scene{DeviceID: deviceID, Estimate: coords}
	if est := sceneEstimator(p); est != nil {
		scene = indoor.BuildScene(deviceID, est)
	}
	pos := &indoor.DevicePosition{
		DeviceID:    deviceID,
		Coordinates: coords,
		Accuracy:    indoor.AccuracyFromCovariance(p.Covariance()),
		NumInliers:  scene.NumInliers,
		Timestamp:   time.Now().Unix(),
	}
	return scene, pos, nil
}

// estimateFile decodes a fingerprint file and estimates its position with
// the configured sources.
func (a *App) estimateFile(path string) (*indoor.Scene, *indoor.DevicePosition, error) {
	if err := a.loadEstimationSetup(); err != nil {
		return nil, nil, err
	}

	fp, err := indoor.DecodeFingerprintFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading fingerprint %s: %w", path, err)
	}

	deviceID := fp.DeviceID
	if deviceID == "" {
		deviceID = a.DeviceID
	}
	if deviceID == "" {
		deviceID = "device"
	}

	return a.estimateFingerprint(deviceID, fp)
}

// formatCoords renders a coordinate vector as "(x, y[, z])" in meters.
func formatCoords(c []float64) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprintf("%.3f", v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func sortedFitIDs(cal *indoor.SourceCalibration) []string {
	ids := make([]string, 0, len(cal.Sources))
	for id := range cal.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sourceIDs(config *indoor.Config) []string {
	ids := make([]string, 0, len(config.Sources))
	for _, sc := range config.Sources {
		ids = append(ids, sc.ID)
	}
	return ids
}

// RunEstimate estimates a single fingerprint file and prints the position
// as JSON, to stdout or to the -output file.
func (a *App) RunEstimate(path string) {
	scene, pos, err := a.estimateFile(path)
	if err != nil {
		log.Fatalf("Estimation failed: %v", err)
	}

	fmt.Printf("Device:   %s\n", pos.DeviceID)
	fmt.Printf("Position: %s\n", formatCoords(pos.Coordinates))
	if pos.Accuracy > 0 {
		fmt.Printf("Accuracy: %.2f m\n", pos.Accuracy)
	}
	fmt.Printf("Inliers:  %d of %d range samples\n", scene.NumInliers, len(scene.Samples))

	data, err := json.MarshalIndent(pos, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode position: %v", err)
	}
	if a.OutputFile != "" {
		if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
			log.Fatalf("Failed to write %s: %v", a.OutputFile, err)
		}
		fmt.Printf("Wrote %s\n", a.OutputFile)
	} else {
		fmt.Println(string(data))
	}
}

// RunCalibrate fits path loss models from a calibration samples file and
// saves them to the cache.
func (a *App) RunCalibrate(path string) {
	// The config is optional here; it only provides the cache path and the
	// expected source list for the status report.
	if config, err := indoor.LoadConfig(a.ConfigFile); err == nil {
		a.Config = config
	}

	samples, err := indoor.LoadCalibrationSamples(path)
	if err != nil {
		log.Fatalf("Failed to load calibration samples: %v", err)
	}
	fmt.Printf("Loaded %d calibration samples from %s\n", len(samples), path)

	cal, err := indoor.CalibrateSources(samples)
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}

	for _, id := range sortedFitIDs(cal) {
		fit, _ := cal.GetFit(id)
		fmt.Printf("  %s: txPower=%.1f dBm, exponent=%.2f, residual=%.1f dB (%d samples)\n",
			id, fit.TransmitPower, fit.PathLossExponent, fit.ResidualStdDev, fit.NumSamples)
	}

	if a.Config != nil {
		status := cal.GetStatus(sourceIDs(a.Config))
		if len(status.MissingSources) > 0 {
			fmt.Printf("Missing calibration for: %v\n", status.MissingSources)
		}
	}

	cachePath := a.cachePath()
	if err := indoor.SaveCalibration(cachePath, cal); err != nil {
		log.Fatalf("Failed to save calibration cache: %v", err)
	}
	fmt.Printf("Saved calibration cache to %s\n", cachePath)
}

// RunExportGeoJSON estimates a fingerprint file and writes the scene as a
// GeoJSON feature collection.
func (a *App) RunExportGeoJSON(path string) {
	scene, _, err := a.estimateFile(path)
	if err != nil {
		log.Fatalf("Estimation failed: %v", err)
	}

	fc := indoor.SceneToFeatureCollection(scene, a.SimplifyTolerance)
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode GeoJSON: %v", err)
	}

	out := a.OutputFile
	if out == "" {
		out = "scene.geojson"
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		log.Fatalf("Failed to write %s: %v", out, err)
	}
	fmt.Printf("Created %s (%d features)\n", out, len(fc.Features))
}

// RunRenderScene estimates a fingerprint file and renders the scene as a
// raster PNG.
func (a *App) RunRenderScene(path string) {
	scene, _, err := a.estimateFile(path)
	if err != nil {
		log.Fatalf("Estimation failed: %v", err)
	}

	out := a.OutputFile
	if out == "" {
		out = "scene.png"
	}
	if err := indoor.RenderScenePNG(scene, out); err != nil {
		log.Fatalf("Failed to render %s: %v", out, err)
	}
	fmt.Printf("Created %s\n", out)
}

// RunRenderVector estimates a fingerprint file and renders the scene with
// the vector backend, as SVG or rasterized PNG.
func (a *App) RunRenderVector(path string) {
	scene, _, err := a.estimateFile(path)
	if err != nil {
		log.Fatalf("Estimation failed: %v", err)
	}

	renderer := indoor.NewVectorSceneRenderer(scene)
	if spacing := a.gridSpacing(); spacing > 0 {
		renderer.GridSpacing = spacing
	}
	if a.Config.VectorResolution > 0 {
		renderer.Resolution = canvas.DPMM(a.Config.VectorResolution)
	}

	out := a.OutputFile
	switch a.VectorFormat {
	case "", "svg":
		if out == "" {
			out = "scene.svg"
		}
		err = renderer.SaveSVG(out)
	case "png":
		if out == "" {
			out = "scene.png"
		}
		err = renderer.SavePNG(out)
	default:
		log.Fatalf("Unknown vector format %q (want svg or png)", a.VectorFormat)
	}
	if err != nil {
		log.Fatalf("Failed to render %s: %v", out, err)
	}
	fmt.Printf("Created %s\n", out)
}

// RunService runs the MQTT estimation service and the optional HTTP server.
func (a *App) RunService() {
	fmt.Println("Starting tudopos service...")

	// 1. Load config.yaml (required)
	config, err := indoor.LoadConfig(a.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, a.ConfigFile)
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)

	// 2. Load path loss calibration cache (optional but recommended)
	cachePath := a.cachePath()
	cache, err := indoor.LoadCalibration(cachePath)
	if err != nil {
		log.Printf("Warning: failed to load calibration cache %s: %v", cachePath, err)
	} else if cache != nil {
		a.Calibration = cache
		log.Printf("Loaded path loss calibration from %s", cachePath)
	} else {
		log.Printf("Warning: no calibration cache found at %s. Configured transmit powers will be used.", cachePath)
		log.Printf("Run './tudopos -calibrate=SAMPLES.json' to generate it.")
	}

	// 3. Build the source registry
	a.Sources = config.BuildSources(a.Calibration)
	a.applyForcedExponents()
	log.Printf("Tracking against %d sources in %dD", len(a.Sources), config.GetDimensions())
	if a.Calibration != nil {
		if status := a.Calibration.GetStatus(sourceIDs(config)); len(status.MissingSources) > 0 {
			log.Printf("Warning: no path loss fit for: %v", status.MissingSources)
		}
	}

	// 4. Start MQTT if enabled
	if a.MqttMode {
		messageHandler := func(deviceID string, rawPayload []byte, fp *indoor.Fingerprint, err error) {
			if err != nil {
				log.Printf("Error decoding fingerprint for %s: %v", deviceID, err)
				return
			}

			scene, pos, err := a.estimateFingerprint(deviceID, fp)
			if err != nil {
				log.Printf("Estimation failed for %s: %v", deviceID, err)
				return
			}

			a.Tracker.UpdateScene(deviceID, scene)
			log.Printf("%s: %d readings -> %s (accuracy %.2f m, %d/%d inliers)",
				deviceID, len(fp.Readings), formatCoords(pos.Coordinates),
				pos.Accuracy, scene.NumInliers, len(scene.Samples))

			if a.Publisher != nil {
				if err := a.Publisher.PublishPosition(deviceID, pos.Coordinates, pos.Accuracy, pos.NumInliers); err != nil {
					log.Printf("Error publishing position for %s: %v", deviceID, err)
				}
			}
		}

		mqttClient, err := indoor.InitMQTT(config, messageHandler)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		a.MQTTClient = mqttClient

		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}

		a.Publisher = indoor.NewPublisher(mqttClient.GetClient(), config.GetPublishPrefix())
		fmt.Println("MQTT position publisher initialized")
	}

	// 5. Start HTTP server if enabled
	httpAddr := a.httpAddr()
	if httpAddr != "" {
		httpServer := newHTTPServer(a.Tracker, a.SimplifyTolerance, a.gridSpacing())
		go func() {
			log.Printf("[HTTP] Starting server on %s", httpAddr)
			if err := http.ListenAndServe(httpAddr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	// 6. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Subscribed to: %s\n", a.MQTTClient.FingerprintTopic())
		fmt.Printf("  Publishing to: %s/{deviceID}\n", config.GetPublishPrefix())
		fmt.Printf("  Combined positions: %s/positions\n", config.GetPublishPrefix())
	}

	if httpAddr != "" {
		fmt.Printf("\nHTTP endpoints (%s):\n", httpAddr)
		fmt.Println("  GET /health         - Health check")
		fmt.Println("  GET /positions.json - Latest estimate per device")
		fmt.Println("  GET /scene.geojson  - Estimation scene as GeoJSON")
		fmt.Println("  GET /scene.png      - Estimation scene as raster PNG")
		fmt.Println("  GET /scene.svg      - Estimation scene as SVG")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	// 7. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}
