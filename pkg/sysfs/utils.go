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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
)

// Get the trailing enumeration part of a name.
func getEnumeratedID(name string) idset.ID {
	id := 0
	base := 1
	for idx := len(name) - 1; idx > 0; idx-- {
		d := name[idx]

		if '0' <= d && d <= '9' {
			id += base * (int(d) - '0')
			base *= 10
		} else {
			if base > 1 {
				return idset.ID(id)
			}
			return idset.ID(-1)
		}
	}

	return idset.ID(-1)
}

// Read content of a sysfs entry and convert it according to the type of a given pointer.
func readSysfsEntry(base, entry string, ptr interface{}, sep string) error {
	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return sysfsError(path, "failed to read sysfs entry: %v", err)
	}
	buf := strings.TrimSpace(string(blob))

	switch v := ptr.(type) {
	case *string:
		*v = buf
	case *int:
		if *v, err = strconv.Atoi(buf); err != nil {
			return sysfsError(path, "invalid integer %q: %v", buf, err)
		}
	case *idset.IDSet:
		if *v, err = parseIDList(buf, sep); err != nil {
			return sysfsError(path, "%v", err)
		}
	case *[]int:
		*v = []int{}
		for _, s := range strings.Fields(buf) {
			i, err := strconv.Atoi(s)
			if err != nil {
				return sysfsError(path, "invalid entry %q: %v", s, err)
			}
			*v = append(*v, i)
		}
	default:
		return sysfsError(path, "unsupported sysfs entry type %T", ptr)
	}

	return nil
}

// parseIDList parses a list of ids and id ranges, for instance "0-3,8-11".
func parseIDList(str, sep string) (idset.IDSet, error) {
	ids := idset.NewIDSet()

	for _, s := range strings.Split(str, sep) {
		if s == "" {
			continue
		}
		rng := strings.Split(s, "-")
		beg, err := strconv.Atoi(rng[0])
		if err != nil {
			return nil, fmt.Errorf("invalid entry '%s': %v", s, err)
		}
		end := beg
		if len(rng) == 2 {
			if end, err = strconv.Atoi(rng[1]); err != nil {
				return nil, fmt.Errorf("invalid entry '%s': %v", s, err)
			}
		} else if len(rng) > 2 {
			return nil, fmt.Errorf("invalid entry '%s'", s)
		}
		for id := beg; id <= end; id++ {
			ids.Add(idset.ID(id))
		}
	}

	return ids, nil
}

// sysfsError returns a formatted sysfs-specific error.
func sysfsError(path, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs: "+path+": "+format, args...)
}
