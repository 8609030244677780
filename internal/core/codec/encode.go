// Package codec converts model runs to and from the Mantis wire protocol.
// Nothing in here performs I/O.
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

// Sentinel terminates every message in both directions.
const Sentinel = "ENDofMSG\n"

// Tables holds the lookup data encoding needs besides the job itself
type Tables struct {
	RegionCodes     domain.RegionCodes
	Crops           domain.CropCatalog
	AllOtherCropsID int64
}

// Encode renders a job as a single protocol line. Any inconsistency between
// the job and the tables is reported as ErrEncodingInvariant before anything
// could be sent.
func Encode(job domain.Job, tables Tables) (string, error) {
	if err := checkYears(job); err != nil {
		return "", err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "endSimYear %d startRed %d endRed %d", job.SimEndYear, job.ReductionStartYear, job.ReductionEndYear)
	for _, s := range []struct {
		label string
		sc    domain.Scenario
	}{
		{"flowScen", job.FlowScenario},
		{"loadScen", job.LoadScenario},
		{"unsatScen", job.UnsatScenario},
	} {
		if err := checkToken(s.label, s.sc.Name); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, " %s %s", s.label, s.sc.Name)
	}
	fmt.Fprintf(&b, " unsatWC %s", strconv.FormatFloat(job.WaterContent, 'f', -1, 64))

	if err := writeRegions(&b, job.Regions, tables.RegionCodes); err != nil {
		return "", err
	}
	if err := writeCrops(&b, job, tables); err != nil {
		return "", err
	}

	b.WriteString(" ")
	b.WriteString(Sentinel)
	return b.String(), nil
}

func checkYears(job domain.Job) error {
	if job.ReductionStartYear > job.ReductionEndYear {
		return invariantf("reduction start year %d is after reduction end year %d", job.ReductionStartYear, job.ReductionEndYear)
	}
	if job.ReductionEndYear > job.SimEndYear {
		return invariantf("reduction end year %d is after simulation end year %d", job.ReductionEndYear, job.SimEndYear)
	}
	if job.WaterContent < 0 {
		return invariantf("unsaturated zone water content %v is negative", job.WaterContent)
	}
	return nil
}

func writeRegions(b *strings.Builder, regions []domain.Region, codes domain.RegionCodes) error {
	if len(regions) == 0 {
		return invariantf("model run has no regions")
	}

	regionType := regions[0].Type
	for _, r := range regions[1:] {
		if r.Type != regionType {
			return invariantf("regions mix types %q and %q", regionType, r.Type)
		}
	}

	code, ok := codes[regionType]
	if !ok {
		return invariantf("no solver map code for region type %q", regionType)
	}
	if err := checkToken("bMap", code); err != nil {
		return err
	}

	if regionType.Implicit() {
		if len(regions) != 1 {
			return invariantf("%d %s regions given, the whole-domain region must be used alone", len(regions), regionType)
		}
		fmt.Fprintf(b, " bMap %s Nregions 0", code)
		return nil
	}

	fmt.Fprintf(b, " bMap %s Nregions %d", code, len(regions))
	for _, r := range regions {
		if err := checkToken("region "+r.Name, r.MantisID); err != nil {
			return err
		}
		b.WriteString(" ")
		b.WriteString(r.MantisID)
	}
	return nil
}

func writeCrops(b *strings.Builder, job domain.Job, tables Tables) error {
	scheme := job.LoadScenario.CropScheme
	if _, ok := tables.Crops[scheme]; !ok {
		return invariantf("load scenario %q uses unknown crop scheme %q", job.LoadScenario.Name, scheme)
	}

	var crops []domain.Crop
	known := make(map[int64]bool)
	codes := make(map[string]bool)
	for _, c := range tables.Crops.ActiveCrops(scheme) {
		if c.ID == tables.AllOtherCropsID {
			continue
		}
		if known[c.ID] {
			return invariantf("crop scheme %q lists crop %d twice", scheme, c.ID)
		}
		if codes[c.Code] {
			return invariantf("crop scheme %q lists solver code %q twice", scheme, c.Code)
		}
		crops = append(crops, c)
		known[c.ID] = true
		codes[c.Code] = true
	}
	if len(crops) == 0 {
		return invariantf("crop scheme %q has no active crops", scheme)
	}

	// Unlisted crops keep their whole load unless an all-other-crops modification says otherwise.
	otherProportion := 0.0
	proportions := make(map[int64]float64, len(job.Modifications))
	for _, m := range job.Modifications {
		if _, dup := proportions[m.CropID]; dup {
			return invariantf("crop %d is modified more than once", m.CropID)
		}
		if m.Proportion <= 0 || m.Proportion > 1 {
			return invariantf("crop %d proportion %v is outside (0,1]", m.CropID, m.Proportion)
		}
		proportions[m.CropID] = m.Proportion

		switch {
		case m.CropID == tables.AllOtherCropsID:
			otherProportion = m.Proportion
		case !known[m.CropID]:
			return invariantf("crop %d is not an active crop of scheme %q", m.CropID, scheme)
		}
	}

	fmt.Fprintf(b, " Ncrops %d", len(crops))
	for _, c := range crops {
		if err := checkToken("crop "+c.Name, c.Code); err != nil {
			return err
		}
		p, ok := proportions[c.ID]
		if !ok {
			p = otherProportion
		}
		fmt.Fprintf(b, " %s %.4f", c.Code, 1-p)
	}
	return nil
}

// checkToken rejects values that would break the space-delimited framing
func checkToken(field, value string) error {
	if value == "" {
		return invariantf("%s is empty", field)
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return invariantf("%s %q contains whitespace", field, value)
	}
	return nil
}

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrEncodingInvariant, fmt.Sprintf(format, args...))
}
