package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line into the application.
type AppOptions struct {
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

// appRunner is the mode surface main drives, split out so run stays testable.
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunEstimate(path string)
	RunCalibrate(path string)
	RunExportGeoJSON(path string)
	RunRenderScene(path string)
	RunRenderVector(path string)
	RunService()
}

func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("tudopos", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", "config.yaml", "Path to configuration file")
	estimateFile := fs.String("estimate", "", "Estimate a position from a fingerprint JSON file and exit")
	calibrateFile := fs.String("calibrate", "", "Fit path loss models from a calibration samples JSON file and exit")
	geojsonFile := fs.String("geojson", "", "Export the estimation scene for a fingerprint file as GeoJSON and exit")
	renderFile := fs.String("render", "", "Render the estimation scene for a fingerprint file as raster PNG and exit")
	vectorFile := fs.String("vector", "", "Render the estimation scene for a fingerprint file with the vector backend and exit")
	outputFile := fs.String("output", "", "Output file for the one-shot modes (default depends on the mode)")
	deviceID := fs.String("device", "", "Device ID for one-shot modes when the fingerprint file carries none")
	calibrationCache := fs.String("calibration-cache", "", "Path to the path loss calibration cache (default from config)")
	forceExponent := fs.String("force-exponent", "", "Override path loss exponents: SOURCE_ID=EXPONENT[,SOURCE_ID2=EXPONENT2]")
	vectorFormat := fs.String("vector-format", "svg", "Vector output format: svg or png")
	gridSpacing := fs.Float64("grid-spacing", 0, "Grid line spacing in meters for rendered scenes (0 uses the config value)")
	simplifyTolerance := fs.Float64("simplify-tolerance", 0.02, "Douglas-Peucker tolerance in meters for GeoJSON range circles")
	mqttMode := fs.Bool("mqtt", false, "Run MQTT service mode for live position estimation")
	httpMode := fs.Bool("http", false, "Enable HTTP server for positions and scene exports")
	httpAddr := fs.String("http-addr", "", "HTTP listen address like :8574 (overrides config httpAddr)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "tudopos version: %s\n", Version)

	app.ApplyOptions(AppOptions{
		ConfigFile:        *configFile,
		CalibrationCache:  *calibrationCache,
		OutputFile:        *outputFile,
		DeviceID:          *deviceID,
		VectorFormat:      *vectorFormat,
		ForceExponent:     *forceExponent,
		GridSpacing:       *gridSpacing,
		SimplifyTolerance: *simplifyTolerance,
		HTTPAddr:          *httpAddr,
		MqttMode:          *mqttMode,
		HttpMode:          *httpMode,
	})

	switch {
	case *estimateFile != "":
		app.RunEstimate(*estimateFile)
	case *calibrateFile != "":
		app.RunCalibrate(*calibrateFile)
	case *geojsonFile != "":
		app.RunExportGeoJSON(*geojsonFile)
	case *renderFile != "":
		app.RunRenderScene(*renderFile)
	case *vectorFile != "":
		app.RunRenderVector(*vectorFile)
	case *mqttMode || *httpMode:
		app.RunService()
	default:
		fmt.Fprintln(out, "Use -estimate=FILE to estimate a single fingerprint file")
		fmt.Fprintln(out, "Use -calibrate=FILE to fit path loss models from range/RSSI samples")
		fmt.Fprintln(out, "Use -geojson=FILE to export an estimation scene as GeoJSON")
		fmt.Fprintln(out, "Use -render=FILE to render an estimation scene as PNG")
		fmt.Fprintln(out, "Use -vector=FILE to render an estimation scene as SVG")
		fmt.Fprintln(out, "Use -mqtt to run MQTT service mode")
		fmt.Fprintln(out, "Use -http to run the HTTP server")
		fmt.Fprintln(out, "Use -mqtt -http to run both together")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - MQTT settings, source positions, and estimator knobs")
		fmt.Fprintln(out, "  .pathloss-cache.json - Fitted path loss models (cached)")
	}

	return nil
}

func main() {
	app := NewApp()
	if err := run(os.Args[1:], os.Stdout, app); err != nil {
		if err == flag.ErrHelp {
			return
		}
		os.Exit(2)
	}
}
