// Copyright 2022 Intel Corporation. All Rights Reserved.
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

package config_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/gcsched/pkg/config"
	"github.com/intel/gcsched/pkg/testutils"
)

type dummyCfg struct{}

func (*dummyCfg) Reset()           {}
func (*dummyCfg) Describe() string { return "dummy" }

func TestInvalidRegistration(t *testing.T) {
	config.ReInitialize()

	var (
		i = 3
		s = dummyCfg{}
	)

	type testCase struct {
		name string
		path string
		ptr  interface{}
	}

	for _, tc := range []testCase{
		{name: "nil", path: "nil", ptr: nil},
		{name: "non-pointer", path: "nonPtr", ptr: i},
		{name: "pointer to non-struct", path: "ptrToNonStruct", ptr: &i},
		{name: "empty path", path: "", ptr: &s},
		{name: "invalid path", path: "test..path", ptr: &s},
		{name: "non-fragment ptr", path: "nonFragmentPtr", ptr: &struct{}{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, config.Register(tc.path, tc.ptr), tc.name)
		})
	}
}

func TestConflictingRegistration(t *testing.T) {
	config.ReInitialize()

	type testCase struct {
		name  string
		path  string
		valid bool
	}

	for _, tc := range []testCase{
		{name: "register gc.scheduling", path: "gc.scheduling", valid: true},
		{name: "conflicting case #1", path: "Gc.scheduling"},
		{name: "conflicting case #2", path: "gc.Scheduling"},
		{name: "duplicate", path: "gc.scheduling"},
		{name: "register sub-fragment", path: "gc.scheduling.eden-tuning", valid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := config.Register(tc.path, &dummyCfg{})
			if tc.valid {
				require.NoError(t, err, tc.name)
			} else {
				require.Error(t, err, tc.name)
			}
		})
	}
}

type heapCfg struct {
	RegionSize int64 `json:"regionSize"`
	NumaNodes  []int `json:"numaNodes,omitempty"`
}

func (c *heapCfg) Reset() {
	*c = heapCfg{RegionSize: 1 << 20}
}

func (*heapCfg) Describe() string { return "heap" }

func (c *heapCfg) Validate() error {
	if c.RegionSize <= 0 || c.RegionSize&(c.RegionSize-1) != 0 {
		return fmt.Errorf("region size %d is not a power of two", c.RegionSize)
	}
	for _, n := range c.NumaNodes {
		if n < 0 {
			return fmt.Errorf("invalid NUMA node %d", n)
		}
	}
	return nil
}

type schedCfg struct {
	Numerator   uint            `json:"numerator"`
	Denominator uint            `json:"denominator"`
	Increment   config.Duration `json:"increment"`
}

func (c *schedCfg) Reset() {
	*c = schedCfg{Numerator: 1, Denominator: 1}
}

func (*schedCfg) Describe() string { return "scheduling" }

func (c *schedCfg) Validate() error {
	if c.Numerator != 1 && c.Denominator != 1 {
		return fmt.Errorf("either numerator or denominator must be 1")
	}
	return nil
}

func TestSetYAML(t *testing.T) {
	config.ReInitialize()

	heap := &heapCfg{}
	sched := &schedCfg{}

	require.NoError(t, config.Register("gc.heap", heap))
	require.NoError(t, config.Register("gc.scheduling", sched))

	type testCase struct {
		name   string
		data   string
		heap   heapCfg
		sched  schedCfg
		errors int
	}

	for _, tc := range []testCase{
		{
			name:  "defaults",
			data:  ``,
			heap:  heapCfg{RegionSize: 1 << 20},
			sched: schedCfg{Numerator: 1, Denominator: 1},
		},
		{
			name: "set both",
			data: `
gc:
  heap:
    regionSize: 4194304
    numaNodes: [0, 1]
  scheduling:
    denominator: 4
    increment: 25ms
`,
			heap:  heapCfg{RegionSize: 4 << 20, NumaNodes: []int{0, 1}},
			sched: schedCfg{Numerator: 1, Denominator: 4, Increment: config.Duration(25 * time.Millisecond)},
		},
		{
			name: "reset between updates",
			data: `
gc:
  scheduling:
    numerator: 3
`,
			heap:  heapCfg{RegionSize: 1 << 20},
			sched: schedCfg{Numerator: 3, Denominator: 1},
		},
		{
			name: "two invalid fragments",
			data: `
gc:
  heap:
    regionSize: 1000
  scheduling:
    numerator: 2
    denominator: 2
`,
			errors: 2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := config.SetYAML([]byte(tc.data))
			if tc.errors > 0 {
				require.Error(t, err)
				require.Equal(t, tc.errors, strings.Count(err.Error(), "* "), "error count")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.heap, *heap)
			require.Equal(t, tc.sched, *sched)
		})
	}
}

func TestUnknownField(t *testing.T) {
	config.ReInitialize()
	require.NoError(t, config.Register("gc.heap", &heapCfg{}))

	err := config.SetYAML([]byte(`
gc:
  heap:
    regionSiz: 1024
`))
	require.Error(t, err, "misspelled field should be rejected")
}

func TestValidateAggregates(t *testing.T) {
	config.ReInitialize()

	heap := &heapCfg{}
	sched := &schedCfg{}
	require.NoError(t, config.Register("gc.heap", heap))
	require.NoError(t, config.Register("gc.scheduling", sched))

	heap.RegionSize = 3
	sched.Numerator, sched.Denominator = 2, 3

	testutils.VerifyError(t, config.Validate(), 2, []string{"power of two", "numerator"})
}

func TestGetConfig(t *testing.T) {
	config.ReInitialize()

	var (
		mod1 = &dummyCfg{}
		mod2 = &dummyCfg{}
	)

	require.NoError(t, config.Register("gc.mod1", mod1), "register mod1")
	require.NoError(t, config.Register("gc.mod2", mod2), "register mod2")

	m1, ok := config.GetConfig("gc.mod1")
	require.True(t, ok && m1.(*dummyCfg) == mod1, "check mod1")

	m2, ok := config.GetConfig("gc.mod2")
	require.True(t, ok && m2.(*dummyCfg) == mod2, "check mod2")

	_, ok = config.GetConfig("gc")
	require.False(t, ok, "internal node without fragment")

	_, ok = config.GetConfig("gc.mod3")
	require.False(t, ok, "unregistered fragment")
}

func TestGetYAMLRoundTrip(t *testing.T) {
	config.ReInitialize()

	sched := &schedCfg{}
	require.NoError(t, config.Register("gc.scheduling", sched))
	require.NoError(t, config.SetYAML([]byte(`
gc:
  scheduling:
    denominator: 3
    increment: 10ms
`)))

	raw, err := config.GetYAML()
	require.NoError(t, err)
	require.Contains(t, string(raw), "denominator: 3")
	require.Contains(t, string(raw), "increment: 10ms")

	require.NoError(t, config.SetYAML(raw))
	require.Equal(t, schedCfg{Numerator: 1, Denominator: 3, Increment: config.Duration(10 * time.Millisecond)}, *sched)
}

func TestDurationMilliseconds(t *testing.T) {
	var d config.Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`250`)))
	require.Equal(t, 250*time.Millisecond, d.Std())
	require.Error(t, d.UnmarshalJSON([]byte(`"ten seconds"`)))
}
