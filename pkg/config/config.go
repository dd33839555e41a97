// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config loads JSON configuration into arbitrary structs using the
// standard library's encoding/json: no third-party config library is needed
// for this narrow a job.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// LoadData unmarshals data into cfg, rejecting unknown fields so typos in
// a config file fail loudly at startup instead of being silently ignored.
func LoadData(data []byte, cfg interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LoadFile reads filename and decodes it the same way as LoadData.
func LoadFile(filename string, cfg interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadData(data, cfg)
}
