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
	"math"
)

// CurveFit is a power law model y = a * x^b, refitted as observations arrive.
type CurveFit struct {
	// A and B are the coefficients of the model.
	A float64
	B float64
	// X and Y are the most recent observation.
	X float64
	Y float64
	// Samples is the number of observations seen.
	Samples uint64
}

const (
	minCurveExponent = 0.0
	maxCurveExponent = 2.0
)

// Fitted returns true once the model can make predictions.
func (c *CurveFit) Fitted() bool {
	return c.Samples > 0
}

// Refit updates the model with the observation (x, y). The exponent is
// derived from the previous and the new observation, the coefficient is
// chosen so that the model passes through the new one. The first
// observation yields a linear model.
func (c *CurveFit) Refit(x, y float64) {
	if x <= 0 || y < 0 || math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return
	}

	b := 1.0
	if c.Samples > 0 {
		b = c.B
		if c.X > 0 && c.Y > 0 && y > 0 && x != c.X {
			b = math.Log(y/c.Y) / math.Log(x/c.X)
		}
	}
	c.B = clampFloat(b, minCurveExponent, maxCurveExponent)
	c.A = y / math.Pow(x, c.B)
	c.X, c.Y = x, y
	c.Samples++
}

// Predict returns the modelled value at x.
func (c *CurveFit) Predict(x float64) float64 {
	if !c.Fitted() || x <= 0 {
		return 0
	}
	return c.A * math.Pow(x, c.B)
}
