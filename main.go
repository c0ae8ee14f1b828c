package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mykhaliev/llm-eval/engine"
	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/version"
)

const (
	AppName = "llm-eval"
)

func main() {
	configPath := flag.String("f", "", "Path to the evaluation configuration file (YAML)")
	outputPath := flag.String("o", "", "Path to the output report file")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")
	reportType := flag.String("reportType", "json", "Report type (json, markdown, both)")
	validate := flag.Bool("validate", false, "Only run the provider preflight check and exit")

	flag.Parse()

	fmt.Printf("Version: %s\nCommit: %s\nBuildDate: %s\n",
		version.Version, version.Commit, version.BuildDate)
	if *showVersion {
		return
	}

	// Initialize Logger
	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.SetupLogger(logWriter, *verbose)
	model.RegisterHelpers()

	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -f <config-file> is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := engine.ValidateReportType(*reportType); err != nil {
		logger.Logger.Error("Invalid report type", "error", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"config", *configPath,
		"output", *outputPath,
		"logfile", *logPath,
		"verbose", *verbose)

	cfg, err := model.ParseConfig(*configPath)
	if err != nil {
		logger.Logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	code := engine.Run(context.Background(), cfg, engine.RunOptions{
		OutputPath:   *outputPath,
		ReportType:   *reportType,
		ValidateOnly: *validate,
	})
	os.Exit(code)
}
