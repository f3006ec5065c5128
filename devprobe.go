/*
 * Copyright (C) 2024 Picking-gh <picking@woft.name>
 *
 * SPDX-License-Identifier: MIT
 */

package main

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CommandRunner abstracts external process execution so device-usage
// probing can be exercised against a fake in tests.
type CommandRunner interface {
	Run(name string, args ...string) (stdout string, err error)
}

type execCommandRunner struct{}

func (execCommandRunner) Run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("running %s %v: %w", name, args, err)
	}
	return string(out), nil
}

// DeviceUsage is the parsed result of a single df invocation.
type DeviceUsage struct {
	Device     string
	UsePercent int
}

var dfLineRe = regexp.MustCompile(`^\s*(.*?)(?:\s+\S+){2}\s+\S+\s+(\d{1,3})%`)

// GetDeviceUsage shells out to `df <path>/` and parses the fixed two-line
// output format df produces for a single mount point.
func GetDeviceUsage(runner CommandRunner, path string) (DeviceUsage, error) {
	dir := strings.TrimRight(path, "/") + "/"
	out, err := runner.Run("df", dir)
	if err != nil {
		return DeviceUsage{}, fmt.Errorf("probing device usage for %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		return DeviceUsage{}, fmt.Errorf("unexpected df output for %s: expected 2 lines, got %d", path, len(lines))
	}

	m := dfLineRe.FindStringSubmatch(lines[1])
	if m == nil {
		return DeviceUsage{}, fmt.Errorf("unable to parse df output line %q", lines[1])
	}
	use, err := strconv.Atoi(m[2])
	if err != nil {
		return DeviceUsage{}, fmt.Errorf("parsing use%% from df output: %w", err)
	}
	return DeviceUsage{Device: strings.TrimSpace(m[1]), UsePercent: use}, nil
}
