// The MIT License (MIT)
//
// Copyright (c) 2021 Winlin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package sctp

import "time"

// Paths whose unclamped RTO is above this are treated as satellite links.
const satelliteRTO = 400 * time.Millisecond

// updateRTT feeds a sample into SRTT and RTTVAR, RFC 6298, and derives the
// RTO clamped to [min, max].
func (p *Path) updateRTT(r time.Duration, min, max time.Duration) {
	if r < 0 {
		return
	}

	if !p.rttMeasured {
		p.rttMeasured = true
		p.srtt = r
		p.rttvar = r / 2
	} else {
		d := p.srtt - r
		if d < 0 {
			d = -d
		}
		p.rttvar = (3*p.rttvar + d) / 4
		p.srtt = (7*p.srtt + r) / 8
	}

	rto := p.srtt + 4*p.rttvar
	p.satellite = rto > satelliteRTO
	p.rto = clampRTO(rto, min, max)
}

// backoff doubles the RTO, capped at max.
func (p *Path) backoff(max time.Duration) {
	p.rto = clampRTO(2*p.rto, 0, max)
}

func clampRTO(rto, min, max time.Duration) time.Duration {
	if rto < min {
		return min
	}
	if rto > max {
		return max
	}
	return rto
}
