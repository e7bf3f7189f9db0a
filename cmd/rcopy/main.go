package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/samsamfire/gosrej"
	log "github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s from-filename to-filename window-size buffer-size error-rate remote-machine remote-port [-d]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[len(args)-1] == "-d" {
		log.SetLevel(log.DebugLevel)
		args = args[:len(args)-1]
	} else {
		log.SetLevel(log.WarnLevel)
	}
	if len(args) != 7 {
		usage()
	}

	fromFilename := args[0]
	toFilename := args[1]
	windowSize, werr := strconv.Atoi(args[2])
	bufferSize, berr := strconv.Atoi(args[3])
	errorRate, eerr := strconv.ParseFloat(args[4], 64)
	remoteMachine := args[5]
	remotePort, perr := strconv.Atoi(args[6])

	if len(fromFilename) > srej.FilenameMax {
		fmt.Fprintf(os.Stderr, "Error: file %s name too long (max %d chars).\n", fromFilename, srej.FilenameMax)
		os.Exit(1)
	}
	if werr != nil || windowSize <= 0 || windowSize >= 1<<30 {
		fmt.Fprintf(os.Stderr, "Error: invalid window size %s (must be > 0 and < 2^30).\n", args[2])
		os.Exit(1)
	}
	if berr != nil || bufferSize <= 0 || bufferSize > srej.MaxDataSize {
		fmt.Fprintf(os.Stderr, "Error: invalid buffer size %s (must be > 0 and <= %d).\n", args[3], srej.MaxDataSize)
		os.Exit(1)
	}
	if eerr != nil || errorRate < 0 || errorRate >= 1 {
		fmt.Fprintf(os.Stderr, "Error: invalid error rate %s.\n", args[4])
		os.Exit(1)
	}
	if perr != nil || remotePort <= 0 || remotePort > 65535 {
		fmt.Fprintf(os.Stderr, "Error: invalid port %s.\n", args[6])
		os.Exit(1)
	}

	cfg := srej.DefaultConfig()
	if path := os.Getenv("GOSREJ_CONFIG"); path != "" {
		var err error
		cfg, err = srej.LoadConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	outfile, err := os.Create(toFilename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error on open of output file: %s\n", toFilename)
		os.Exit(1)
	}
	defer outfile.Close()

	serverAddr, err := srej.ResolveServer(remoteMachine, remotePort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving %s:%d: %v\n", remoteMachine, remotePort, err)
		os.Exit(1)
	}

	inner, err := srej.ListenUDP(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up UDP client socket: %v\n", err)
		os.Exit(1)
	}
	conn := srej.NewLossyConn(inner, errorRate, time.Now().UnixNano())
	defer conn.Close()

	session := srej.NewReceiverSession(conn, serverAddr, outfile, uint32(windowSize), cfg)
	if err := session.Handshake(fromFilename, uint32(bufferSize)); err != nil {
		if errors.Is(err, srej.ErrFileNotFound) {
			fmt.Fprintf(os.Stderr, "Error: file %s not found.\n", fromFilename)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
	if err := session.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
