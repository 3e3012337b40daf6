// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sysfs

import (
	"os"
	"strconv"
	"strings"
)

// unit multipliers
const (
	k = (uint64(1) << 10)
	M = (uint64(1) << 20)
	G = (uint64(1) << 30)
)

// unit name to multiplier mapping
var units = map[string]uint64{
	"k": k, "kB": k,
	"M": M, "MB": M,
	"G": G, "GB": G,
}

// PickEntryFn picks a given input line apart into an entry of key and value.
type PickEntryFn func(string) (string, string, error)

// parseBytes parses a numeric value with an optional unit into bytes.
func parseBytes(path, value string) (uint64, error) {
	fields := strings.Fields(value)

	unit := uint64(1)
	switch len(fields) {
	case 1:
	case 2:
		u, ok := units[fields[1]]
		if !ok {
			return 0, sysfsError(path, "failed to parse '%s', invalid unit '%s'", value, fields[1])
		}
		unit = u
	default:
		return 0, sysfsError(path, "invalid numeric value %q", value)
	}

	num, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return 0, sysfsError(path, "invalid numeric value %q: %v", value, err)
	}

	return num * unit, nil
}

// ParseFileEntries parses a file for the given byte-valued entries.
func ParseFileEntries(path string, values map[string]*uint64, pickFn PickEntryFn) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return sysfsError(path, "failed to read file: %v", err)
	}

	left := len(values)
	for _, line := range strings.Split(string(data), "\n") {
		if left == 0 {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		key, value, err := pickFn(line)
		if err != nil {
			return err
		}

		ptr, ok := values[key]
		if !ok {
			continue
		}
		if *ptr, err = parseBytes(path, value); err != nil {
			return err
		}
		left--
	}

	return nil
}

// pickNodeMeminfo picks apart a per-node meminfo line, "Node N Key: value [unit]".
func pickNodeMeminfo(line string) (string, string, error) {
	split := strings.SplitN(line, ":", 2)
	if len(split) != 2 {
		return "", "", sysfsError("meminfo", "invalid line %q", line)
	}
	fields := strings.Fields(split[0])
	if len(fields) == 0 {
		return "", "", sysfsError("meminfo", "invalid line %q", line)
	}
	return fields[len(fields)-1], strings.TrimSpace(split[1]), nil
}
