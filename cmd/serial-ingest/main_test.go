package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"serial-ingest/internal/channel"
	"serial-ingest/internal/clock"
)

type stubDiscoverer struct {
	cands []channel.Candidate
	err   error
}

func (s stubDiscoverer) Candidates() ([]channel.Candidate, error) { return s.cands, s.err }

// deadSource 는 첫 읽기부터 실패하는 채널이다.
type deadSource struct{ closed bool }

func (d *deadSource) ReadLine(time.Duration) ([]byte, error) {
	return nil, errors.New("device disconnected")
}

func (d *deadSource) Close() error {
	d.closed = true
	return nil
}

var rigPorts = []channel.Candidate{
	{ID: "/dev/ttyACM0", Description: "Arduino Uno (2341:0043)", USB: true},
	{ID: "/dev/ttyS0", Description: "n/a"},
}

func TestRunExitCodes(t *testing.T) {
	t.Setenv("SERIAL_PORT", "")

	failOpen := func(id string, _ int, _ clock.Clock) (channel.Source, error) {
		return nil, errors.New("permission denied")
	}

	cases := []struct {
		name       string
		args       []string
		discoverer channel.Discoverer
		open       func(string, int, clock.Clock) (channel.Source, error)
		wantCode   int
		wantStderr []string
		wantStdout string
	}{
		{
			name:       "no ports detected",
			discoverer: stubDiscoverer{},
			open:       failOpen,
			wantCode:   exitChannelOpen,
			wantStderr: []string{"none detected", "No serial ports found."},
		},
		{
			name:       "open failure lists candidates",
			args:       []string{"-p", "/dev/ttyUSB9"},
			discoverer: stubDiscoverer{cands: rigPorts},
			open:       failOpen,
			wantCode:   exitChannelOpen,
			wantStderr: []string{
				"Could not open serial port /dev/ttyUSB9: permission denied",
				"Detected serial ports:\n  - /dev/ttyACM0 : Arduino Uno (2341:0043)\n  - /dev/ttyS0 : n/a",
			},
		},
		{
			name:       "bad flag",
			args:       []string{"--no-such-flag"},
			discoverer: stubDiscoverer{cands: rigPorts},
			open:       failOpen,
			wantCode:   exitFailure,
			wantStderr: []string{"config: unknown flag: --no-such-flag", "--help"},
		},
		{
			name:       "help",
			args:       []string{"--help"},
			discoverer: stubDiscoverer{},
			open:       failOpen,
			wantCode:   exitOK,
			wantStderr: []string{"Usage of serial-ingest:", "--port"},
		},
		{
			name:       "list ports",
			args:       []string{"--list-ports"},
			discoverer: stubDiscoverer{cands: rigPorts},
			open:       failOpen,
			wantCode:   exitOK,
			wantStdout: "Detected serial ports:\n  - /dev/ttyACM0 : Arduino Uno (2341:0043)\n  - /dev/ttyS0 : n/a\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tc.args, deps{discoverer: tc.discoverer, open: tc.open, stdout: &stdout, stderr: &stderr})
			if code != tc.wantCode {
				t.Fatalf("exit = %d, want %d (stderr %q)", code, tc.wantCode, stderr.String())
			}
			for _, want := range tc.wantStderr {
				if !strings.Contains(stderr.String(), want) {
					t.Errorf("stderr missing %q:\n%s", want, stderr.String())
				}
			}
			if tc.wantStdout != "" && stdout.String() != tc.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout.String(), tc.wantStdout)
			}
		})
	}
}

func TestRunStopsOnLostTransport(t *testing.T) {
	t.Setenv("SERIAL_PORT", "")
	dir := filepath.Join(t.TempDir(), "out")

	src := &deadSource{}
	var openedID string
	var openedBaud int
	d := deps{
		discoverer: stubDiscoverer{cands: rigPorts},
		open: func(id string, baud int, _ clock.Clock) (channel.Source, error) {
			openedID, openedBaud = id, baud
			return src, nil
		},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}

	code := run([]string{"-d", dir, "--max-read-errors", "1", "--log-level", "error"}, d)
	if code != exitFailure {
		t.Fatalf("exit = %d, want %d", code, exitFailure)
	}
	if openedID != "/dev/ttyACM0" || openedBaud != 9600 {
		t.Errorf("opened %s @ %d, want auto-selected /dev/ttyACM0 @ 9600", openedID, openedBaud)
	}
	if !src.closed {
		t.Error("source not closed")
	}
	files, _ := filepath.Glob(filepath.Join(dir, "licks_*.csv"))
	if len(files) != 1 {
		t.Errorf("output files = %v, want one header-only file", files)
	}
}
