// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"net/url"
	"strings"
)

// Container formats the capture process can emit.
const (
	ContainerMPEGTS = "mpegts"
	ContainerMP4    = "mp4"
)

// mpegtsPacket is the MPEG-TS packet size. Chunks are cut on packet boundaries.
const mpegtsPacket = 188

// Ext returns the file extension for a container.
func Ext(container string) string {
	if container == ContainerMP4 {
		return "mp4"
	}
	return "ts"
}

// BuildArgs returns ffmpeg arguments that copy every input stream of rawURL to
// stdout without re-encoding.
func BuildArgs(rawURL, container, rtspTransport string) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}

	if isRTSP(rawURL) {
		if rtspTransport == "" {
			rtspTransport = "tcp"
		}
		args = append(args, "-rtsp_transport", rtspTransport)
	}

	args = append(args,
		"-use_wallclock_as_timestamps", "1",
		"-i", rawURL,
		"-map", "0",
		"-c", "copy",
	)

	switch container {
	case ContainerMP4:
		args = append(args, "-movflags", "frag_keyframe+empty_moov", "-f", "mp4")
	default:
		args = append(args, "-f", "mpegts")
	}
	return append(args, "pipe:1")
}

func isRTSP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "rtsp" || s == "rtsps"
}
