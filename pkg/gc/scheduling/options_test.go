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

package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/intel/gcsched/pkg/config"
	"github.com/intel/gcsched/pkg/testutils"
)

func TestOptionsValidate(t *testing.T) {
	type testCase struct {
		name       string
		modify     func(*Options)
		errors     int
		substrings []string
	}

	for _, tc := range []testCase{
		{
			name:   "defaults",
			modify: func(*Options) {},
		},
		{
			name: "n:1 ratio",
			modify: func(o *Options) {
				o.PGCToGMPNumerator = 3
			},
		},
		{
			name: "zero ratio term",
			modify: func(o *Options) {
				o.PGCToGMPDenominator = 0
			},
			errors:     1,
			substrings: []string{"zero term"},
		},
		{
			name: "n:m ratio",
			modify: func(o *Options) {
				o.PGCToGMPNumerator = 2
				o.PGCToGMPDenominator = 3
			},
			errors:     1,
			substrings: []string{"must be 1:n or n:1"},
		},
		{
			name: "ages",
			modify: func(o *Options) {
				o.NurseryMaxAge = 30
			},
			errors:     1,
			substrings: []string{"nursery max age"},
		},
		{
			name: "inverted Eden bounds",
			modify: func(o *Options) {
				o.EdenMinimumBytes = resource.MustParse("64Mi")
				o.EdenMaximumBytes = resource.MustParse("32Mi")
			},
			errors:     1,
			substrings: []string{"Eden bounds"},
		},
		{
			name: "no PGC mode allowed",
			modify: func(o *Options) {
				o.PGCShouldCopyForward = false
			},
			errors:     1,
			substrings: []string{"copy-forward or mark-compact"},
		},
		{
			name: "many errors",
			modify: func(o *Options) {
				o.RegionMaxAge = 0
				o.KickoffHeadroomRegionRate = 101
				o.ExpectedOverheadMin = 0.1
				o.DefragmentEmptinessThreshold = 1.5
				o.GCThreads = 0
				o.PauseOverheadLogBase = 1
				o.EdenStepMin = 20
			},
			errors: 8,
			substrings: []string{
				"region max age",
				"kickoff headroom rate",
				"expected overhead",
				"emptiness threshold",
				"GC thread count",
				"log base",
				"Eden step range",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultOptions()
			tc.modify(o)
			testutils.VerifyError(t, o.Validate(), tc.errors, tc.substrings)
		})
	}
}

func TestOptionsConfiguration(t *testing.T) {
	defer config.Reset()

	require.NoError(t, config.SetYAML([]byte(`
gc:
  scheduling:
    pgcToGMPDenominator: 4
    automaticGMPIntermission: false
    gmpIntermission: 3
    edenMaximumBytes: 256Mi
    targetMaxPause: 50ms
    gcThreads: 2
`)))

	o := GetOptions()
	require.Equal(t, uint(1), o.PGCToGMPNumerator)
	require.Equal(t, uint(4), o.PGCToGMPDenominator)
	require.False(t, o.AutomaticGMPIntermission)
	require.Equal(t, uint64(3), o.initialGMPIntermission())
	require.Equal(t, int64(256<<20), o.EdenMaximumBytes.Value())
	require.Equal(t, 50*time.Millisecond, o.TargetMaxPause.Std())
	require.Equal(t, 2, o.GCThreads)
	require.True(t, o.DynamicEden, "unset options keep their defaults")

	o.GCThreads = 16
	require.Equal(t, 2, GetOptions().GCThreads, "options are returned by copy")

	require.Error(t, config.SetYAML([]byte(`
gc:
  scheduling:
    pgcToGMPNumerator: 2
    pgcToGMPDenominator: 2
`)))
	require.Error(t, config.SetYAML([]byte(`
gc:
  scheduling:
    noSuchOption: true
`)))

	config.Reset()
	require.Equal(t, uint64(maxUint64), GetOptions().initialGMPIntermission())
}
