package domain

// Crop is one entry of a crop classification scheme. Code is what the solver
// knows the crop by within that scheme.
type Crop struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Code   string `json:"code"`
	Active bool   `json:"active"`
}

// CropCatalog maps a classification scheme name (SWAT, GNLM, ...) to its crops
// in wire order.
type CropCatalog map[string][]Crop

// ActiveCrops returns the crops of a scheme that the solver accepts
func (c CropCatalog) ActiveCrops(scheme string) []Crop {
	var out []Crop
	for _, crop := range c[scheme] {
		if crop.Active {
			out = append(out, crop)
		}
	}
	return out
}

// RegionCodes maps a region type to the solver's map code (bMap)
type RegionCodes map[RegionType]string
