package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/itohio/batterylife/pkg/analysis"
	"github.com/itohio/batterylife/pkg/config"
	"github.com/itohio/batterylife/pkg/daq"
	"github.com/itohio/batterylife/pkg/experiment"
	"github.com/itohio/batterylife/pkg/notify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process globals. It returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("batterylife", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configFlag  = fs.String("config", "config.yaml", "Configuration file path")
		portFlag    = fs.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		mockFlag    = fs.Bool("mock", false, "Use simulated DAQ instead of the serial bridge")
		outFlag     = fs.String("out", "", "Output directory override")
		listFlag    = fs.Bool("list", false, "List serial ports and exit")
		analyzeFlag = fs.Bool("analyze", false, "Analyze the run files given as arguments and exit")
		plotFlag    = fs.String("plot", "", "Show current, voltage and power charts of a run file")
		together    = fs.Bool("together", false, "With -plot, add a chart of current and voltage on twin axes")
		patchFlag   = fs.String("patch", "", "With -plot, overlay a CSV series on the current chart")
		patchTime   = fs.String("patch-time", "Time", "Time column (HH:MM:SS) of the -patch CSV")
		patchValue  = fs.String("patch-value", "Plot", "Value column of the -patch CSV")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *listFlag {
		return listPorts(stdout, stderr)
	}
	if *analyzeFlag {
		return analyze(fs.Args(), stdout, stderr)
	}
	if *plotFlag != "" {
		return plot(*plotFlag, plotOptions{
			together:    *together,
			patch:       *patchFlag,
			patchTime:   *patchTime,
			patchColumn: *patchValue,
		}, stderr)
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}
	if *portFlag != "" {
		cfg.Device.Port = *portFlag
	}
	if *outFlag != "" {
		cfg.Output.Dir = *outFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		log.Printf("Failed to create output directory: %v", err)
		return 1
	}

	var drv daq.Driver
	if *mockFlag {
		drv = daq.NewMock(&cfg.Mock)
	} else {
		drv = daq.New(cfg.Device.Port, cfg.Device.BaudRate)
	}
	defer drv.Close()

	n := notifiers(cfg, stdout)
	defer n.Close()

	_, err = experiment.New(drv, cfg, n).Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		log.Printf("Interrupted: %v", err)
		return 130
	}

	if de, ok := daq.AsError(err); ok {
		fmt.Fprintf(stderr, "DAQmx Error: %s\n", de.Extended)
		return 1
	}
	log.Printf("Experiment failed: %v", err)
	return 1
}

// notifiers builds the progress sinks enabled in cfg. An unreachable MQTT
// broker is logged and skipped.
func notifiers(cfg *config.Config, stdout io.Writer) notify.Multi {
	var n notify.Multi
	if cfg.Notify.Console {
		n = append(n, notify.NewConsole(stdout))
	}
	if cfg.Notify.MQTT.Server != "" {
		m, err := notify.NewMQTT(cfg.Notify.MQTT)
		if err != nil {
			log.Printf("MQTT notifications disabled: %v", err)
		} else {
			n = append(n, m)
		}
	}
	return n
}

func listPorts(stdout, stderr io.Writer) int {
	ports, err := daq.Ports()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to list serial ports: %v\n", err)
		return 1
	}
	for _, p := range ports {
		if p.Description != "" {
			fmt.Fprintf(stdout, "%s\t%s\n", p.Name, p.Description)
		} else {
			fmt.Fprintln(stdout, p.Name)
		}
	}
	return 0
}

func analyze(paths []string, stdout, stderr io.Writer) int {
	if len(paths) == 0 {
		fmt.Fprintln(stderr, "analyze: no files given")
		return 2
	}
	code := 0
	for _, path := range paths {
		rec, err := analysis.ParseFile(path)
		if err != nil {
			fmt.Fprintln(stderr, err)
			code = 1
			continue
		}
		fmt.Fprintf(stdout, "File %s\n", path)
		if _, err := rec.Summarize().WriteTo(stdout); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	return code
}
