/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"errors"
	"testing"
)

type fakeCommandRunner struct {
	out string
	err error
}

func (f fakeCommandRunner) Run(name string, args ...string) (string, error) {
	return f.out, f.err
}

func TestGetDeviceUsage(t *testing.T) {
	tests := []struct {
		name       string
		out        string
		err        error
		wantDevice string
		wantUse    int
		wantErr    bool
	}{
		{
			name:       "typical df output",
			out:        "Filesystem     1K-blocks      Used Available Use% Mounted on\n/dev/sda1      102400000  51200000  46080000  53% /\n",
			wantDevice: "/dev/sda1",
			wantUse:    53,
		},
		{
			name:       "low single-digit use",
			out:        "Filesystem     1K-blocks      Used Available Use% Mounted on\n/dev/sdb1      102400000   1024000 96000000   1% /mnt/data\n",
			wantDevice: "/dev/sdb1",
			wantUse:    1,
		},
		{
			name:    "command failure",
			err:     errors.New("no such device"),
			wantErr: true,
		},
		{
			name:    "unexpected line count",
			out:     "just one line\n",
			wantErr: true,
		},
		{
			name:    "unparseable line",
			out:     "Filesystem 1K-blocks Used Available Use% Mounted on\ngarbage line with no percentage\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := fakeCommandRunner{out: tt.out, err: tt.err}
			usage, err := GetDeviceUsage(runner, "/mnt/data")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got usage %+v", usage)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if usage.Device != tt.wantDevice || usage.UsePercent != tt.wantUse {
				t.Errorf("got %+v, want device=%s use=%d", usage, tt.wantDevice, tt.wantUse)
			}
		})
	}
}
