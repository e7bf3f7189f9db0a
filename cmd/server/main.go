package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samsamfire/gosrej"
	log "github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s error-rate [port] [-d]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[len(args)-1] == "-d" {
		log.SetLevel(log.DebugLevel)
		args = args[:len(args)-1]
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if len(args) < 1 || len(args) > 2 {
		usage()
	}

	errorRate, err := strconv.ParseFloat(args[0], 64)
	if err != nil || errorRate < 0 || errorRate >= 1 {
		fmt.Fprintf(os.Stderr, "Error: invalid error rate %q\n", args[0])
		os.Exit(1)
	}
	port := 0
	if len(args) == 2 {
		port, err = strconv.Atoi(args[1])
		if err != nil || port < 0 || port > 65535 {
			fmt.Fprintf(os.Stderr, "Error: invalid port %q\n", args[1])
			os.Exit(1)
		}
	}

	cfg := srej.DefaultConfig()
	if path := os.Getenv("GOSREJ_CONFIG"); path != "" {
		cfg, err = srej.LoadConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	srv, err := srej.NewServer(port, errorRate, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up UDP server socket: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Server is using port %d\n", srv.Addr().Port)

	if addr := os.Getenv("GOSREJ_METRICS_ADDR"); addr != "" {
		registry := prometheus.NewRegistry()
		srv.SetMetrics(srej.NewMetrics(registry))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Errorf("metrics endpoint failed : %v", err)
			}
		}()
		log.Infof("serving metrics on %v/metrics", addr)
	}

	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
