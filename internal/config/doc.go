// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads, validates and hot-reloads the recorder configuration.
//
// Precedence is ENV > File > Defaults. The YAML file is parsed strictly:
// unknown keys are rejected. Environment overrides use the STREAMREC_ prefix;
// STREAMREC_STREAMS accepts a JSON list of streams.
package config
