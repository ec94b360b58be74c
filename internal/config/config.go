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

// Package config holds the server's runtime configuration and its JSON
// file override.
package config

import (
	"encoding/json"
	"os"
)

// Config for the tunnel server.
type Config struct {
	Listen       string `json:"listen"`
	MaxSessions  int    `json:"max_sessions"`
	BufferSize   int    `json:"buffer_size"`
	QueueSize    int    `json:"queue_size"`
	ReorderLimit int    `json:"reorder_limit"`
	Cert         string `json:"cert"`
	Key          string `json:"key"`
	Compress     bool   `json:"compress"`
	Metrics      bool   `json:"metrics"`
	// MetricsAddr, when set and distinct from Listen, gets its own
	// net/http.Server in cmd/http-tunnel-server; when equal to Listen (or
	// empty) /metrics is mounted on the main router instead.
	MetricsAddr string `json:"metrics_addr"`
	Quiet       bool   `json:"quiet"`
	Log         string `json:"log"`
}

// Default returns the configuration the command-line flags default to.
func Default() Config {
	return Config{
		Listen:       ":8443",
		MaxSessions:  1024,
		BufferSize:   4096,
		QueueSize:    128,
		ReorderLimit: 64,
		MetricsAddr:  ":9100",
	}
}

// ParseJSONFile loads a JSON document from path and decodes it into config,
// overriding any field present in the document.
func ParseJSONFile(config *Config, path string) error {
	file, err := os.Open(path) // For read access.
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
