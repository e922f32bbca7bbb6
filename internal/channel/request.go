/*
 * memhier - Request/response wire shapes
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package channel

import "github.com/rcornwell/memhier/internal/addr"

// Type names the kind of access a Request represents.
type Type int

const (
	LOAD Type = iota
	RFO
	PREFETCH
	WRITE
	TRANSLATION
)

func (t Type) String() string {
	switch t {
	case LOAD:
		return "LOAD"
	case RFO:
		return "RFO"
	case PREFETCH:
		return "PREFETCH"
	case WRITE:
		return "WRITE"
	case TRANSLATION:
		return "TRANSLATION"
	default:
		return "UNKNOWN"
	}
}

// Request is a single packet traveling through the hierarchy: spec.md S3's
// Request shape.
type Request struct {
	Address  addr.Addr // physical address; meaningless until IsTranslated
	VAddress addr.Addr // virtual address, always valid
	Data     uint64

	IsTranslated      bool
	ResponseRequested bool
	FillThisLevel     bool // for PREFETCH: store the line at the issuing cache too

	Type Type

	CPU     uint32
	ASID    [2]uint8
	InstrID uint64
	IP      addr.Addr

	PFMetadata uint32

	InstrDependOnMe []uint64
}

// Response is the upward-traveling projection of a satisfied Request.
type Response struct {
	Address  addr.Addr
	VAddress addr.Addr
	Data     uint64

	PFMetadata      uint32
	InstrDependOnMe []uint64
}

// ResponseFromRequest projects the fields a Response needs out of req.
func ResponseFromRequest(req Request) Response {
	deps := make([]uint64, len(req.InstrDependOnMe))
	copy(deps, req.InstrDependOnMe)
	return Response{
		Address:         req.Address,
		VAddress:        req.VAddress,
		Data:            req.Data,
		PFMetadata:      req.PFMetadata,
		InstrDependOnMe: deps,
	}
}
