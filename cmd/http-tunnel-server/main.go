// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/urfave/cli"

	"github.com/HaloDragon7410/http-tunnel/internal/config"
	"github.com/HaloDragon7410/http-tunnel/internal/cryptoutil"
	"github.com/HaloDragon7410/http-tunnel/internal/registry"
	"github.com/HaloDragon7410/http-tunnel/internal/transport"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "http-tunnel-server"
	myApp.Usage = "HTTP/WebSocket-tunneled TCP forwarder server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":8443",
			Usage: "server listen address, eg: \"IP:8443\"",
		},
		cli.IntFlag{
			Name:  "max-sessions",
			Value: 1024,
			Usage: "maximum number of concurrent tunnel sessions",
		},
		cli.IntFlag{
			Name:  "buffer-size",
			Value: 4096,
			Usage: "TCP read chunk size toward the backend, in bytes",
		},
		cli.IntFlag{
			Name:  "queue-size",
			Value: 128,
			Usage: "bound on a session's outbound queue, and on items returned per response",
		},
		cli.IntFlag{
			Name:  "reorder-limit",
			Value: 64,
			Usage: "maximum gap tolerated in the inbound reorder buffer",
		},
		cli.StringFlag{
			Name:  "cert",
			Value: "",
			Usage: "TLS certificate file; enables HTTPS/WSS when set with key",
		},
		cli.StringFlag{
			Name:  "key",
			Value: "",
			Usage: "TLS key file; enables HTTPS/WSS when set with cert",
		},
		cli.BoolFlag{
			Name:  "compress",
			Usage: "snappy-compress chunk payloads before encryption",
		},
		cli.BoolFlag{
			Name:  "metrics",
			Usage: "expose Prometheus metrics at /metrics",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Value: ":9100",
			Usage: "dedicated listen address for /metrics; ignored (mounted on -listen instead) when it matches -listen",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "stored in the config; the server does not read it, so per-session open/close logging is always on",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("[E] %v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.Listen = c.String("listen")
	cfg.MaxSessions = c.Int("max-sessions")
	cfg.BufferSize = c.Int("buffer-size")
	cfg.QueueSize = c.Int("queue-size")
	cfg.ReorderLimit = c.Int("reorder-limit")
	cfg.Cert = c.String("cert")
	cfg.Key = c.String("key")
	cfg.Compress = c.Bool("compress")
	cfg.Metrics = c.Bool("metrics")
	cfg.MetricsAddr = c.String("metrics-addr")
	cfg.Quiet = c.Bool("quiet")
	cfg.Log = c.String("log")

	if c.String("c") != "" {
		if err := config.ParseJSONFile(&cfg, c.String("c")); err != nil {
			return err
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", cfg.Listen)
	log.Println("max sessions:", cfg.MaxSessions)
	log.Println("buffer size:", cfg.BufferSize)
	log.Println("queue size:", cfg.QueueSize)
	log.Println("reorder limit:", cfg.ReorderLimit)
	log.Println("compress:", cfg.Compress)
	log.Println("metrics:", cfg.Metrics)

	keyPair, err := cryptoutil.Generate()
	if err != nil {
		return fmt.Errorf("generating server key pair: %w", err)
	}
	log.Println("public key:")
	log.Println(keyPair.PublicPEM())

	reg := registry.New(cfg.MaxSessions)
	srv := transport.NewServer(keyPair, reg, cfg)

	// A distinct metrics-addr gets its own listener; sharing the main
	// address just mounts /metrics on srv.Routes() instead (see
	// transport.Server.Routes).
	if cfg.Metrics && cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.Listen {
		go func() {
			log.Println("metrics listening on:", cfg.MetricsAddr)
			metricsServer := &http.Server{
				Addr:    cfg.MetricsAddr,
				Handler: transport.MetricsRoutes(),
			}
			if err := metricsServer.ListenAndServe(); err != nil {
				log.Printf("[E] metrics server: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Routes(),
	}

	if cfg.Cert != "" && cfg.Key != "" {
		log.Println("TLS enabled")
		return httpServer.ListenAndServeTLS(cfg.Cert, cfg.Key)
	}
	return httpServer.ListenAndServe()
}
