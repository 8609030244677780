package codec

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

// failureStatus is the leading token of a solver-side failure reply
const failureStatus = "0"

// Upper bounds on the declared matrix. A year count above MaxYears or a well
// count above MaxWells is treated as garbage rather than allocated for.
const (
	MaxWells = 1 << 24
	MaxYears = 1 << 16
)

// Complete reports whether buf holds a whole reply
func Complete(buf []byte) bool {
	return bytes.HasSuffix(buf, []byte(Sentinel))
}

// Decode parses a complete solver reply:
//
//	0 <message...> ENDofMSG\n
//	<status> <wells> <years> <v_0_0> ... <v_w_y> ENDofMSG\n
//
// Value tokens that do not parse become NaN; a value count that does not
// match wells*years is an ErrMalformedResult.
func Decode(buf []byte) (domain.RawResult, error) {
	if !Complete(buf) {
		return domain.RawResult{}, fmt.Errorf("%w: reply does not end with %q", domain.ErrMalformedResult, strings.TrimSpace(Sentinel))
	}

	payload := string(buf[:len(buf)-len(Sentinel)])
	tokens := strings.Fields(payload)
	if len(tokens) == 0 {
		return domain.RawResult{}, fmt.Errorf("%w: empty reply", domain.ErrMalformedResult)
	}

	if tokens[0] == failureStatus {
		msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(payload), failureStatus))
		return domain.RawResult{}, &domain.SolverRejectedError{Message: msg}
	}

	if len(tokens) < 3 {
		return domain.RawResult{}, fmt.Errorf("%w: reply has %d tokens, need status, well count and year count", domain.ErrMalformedResult, len(tokens))
	}

	wells, err := parseCount("well count", tokens[1])
	if err != nil {
		return domain.RawResult{}, err
	}
	years, err := parseCount("year count", tokens[2])
	if err != nil {
		return domain.RawResult{}, err
	}

	if wells > MaxWells || years > MaxYears {
		return domain.RawResult{}, fmt.Errorf("%w: declared %d wells x %d years is out of range", domain.ErrMalformedResult, wells, years)
	}

	raw := tokens[3:]
	if int64(wells)*int64(years) != int64(len(raw)) {
		return domain.RawResult{}, fmt.Errorf("%w: declared %d wells x %d years, received %d values", domain.ErrMalformedResult, wells, years, len(raw))
	}

	values := make([]float64, len(raw))
	for i, tok := range raw {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			v = math.NaN()
		}
		values[i] = v
	}

	return domain.RawResult{WellCount: wells, YearCount: years, Values: values}, nil
}

func parseCount(name, tok string) (int, error) {
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s %q is not a non-negative integer", domain.ErrMalformedResult, name, tok)
	}
	return n, nil
}
