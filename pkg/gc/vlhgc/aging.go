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

package vlhgc

// incrementRegionAges ages the regions with objects after a taxation point.
// Only PGCs advance logical ages.
func (g *GC) incrementRegionAges(isPGC bool) {
	maxAge := g.regions.MaxAge()
	g.rs.SetUnusedRegionThreshold(g.delegate.DefragmentEmptinessThreshold())

	it := g.table.Regions()
	for r := it.Next(); r != nil; r = it.Next() {
		if !r.ContainsObjects() && !r.IsArrayletLeaf() {
			continue
		}

		previous := r.Age
		if isPGC && r.Age < maxAge {
			r.Age++
		}

		if !r.ContainsObjects() || r.Age != maxAge {
			continue
		}

		// full regions aging out are stable
		g.rs.OverflowIfStableRegion(r)

		// accurate ones are not full, they are defragmentation candidates
		if r.RSCLAccurate && previous < maxAge {
			g.delegate.UpdateCurrentMacroDefragmentationWork(r)
		}
	}
}

// setRegionAgesToMax ages every region with objects to the maximum.
func (g *GC) setRegionAgesToMax() {
	maxAge := g.regions.MaxAge()
	it := g.table.Regions()
	for r := it.Next(); r != nil; r = it.Next() {
		if r.ContainsObjects() || r.IsArrayletLeaf() {
			r.Age = maxAge
		}
	}
}
