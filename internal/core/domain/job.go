package domain

import (
	"errors"
	"time"
)

// JobID is the primary key the web layer assigns to a model run
type JobID int64

type JobStatus string

const (
	JobStatusNotReady  JobStatus = "NOT_READY"
	JobStatusReady     JobStatus = "READY"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusError     JobStatus = "ERROR"
)

// ScenarioType tells which model input a scenario configures
type ScenarioType string

const (
	ScenarioTypeFlow  ScenarioType = "flow"
	ScenarioTypeLoad  ScenarioType = "load"
	ScenarioTypeUnsat ScenarioType = "unsat"
)

// Scenario is a named solver input. Load scenarios also name the crop
// classification scheme their crop codes come from.
type Scenario struct {
	ID         int64        `json:"id"`
	Name       string       `json:"name"`
	Type       ScenarioType `json:"type"`
	CropScheme string       `json:"crop_scheme,omitempty"`
}

// RegionType replaces the model-class lookup the web layer used to pick a solver map code.
type RegionType string

const (
	RegionCentralValley RegionType = "central_valley"
	RegionSubBasin      RegionType = "sub_basin"
	RegionCounty        RegionType = "county"
	RegionB118Basin     RegionType = "b118_basin"
	RegionCVHMFarm      RegionType = "cvhm_farm"
	RegionTownship      RegionType = "township"
)

// Implicit reports whether the region type covers the whole solver domain,
// in which case no region ids go on the wire.
func (t RegionType) Implicit() bool {
	return t == RegionCentralValley
}

type Region struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	MantisID string     `json:"mantis_id"`
	Type     RegionType `json:"region_type"`
}

// Modification reduces the nitrogen load of one crop. Proportion is the
// fraction reduced, in (0,1].
type Modification struct {
	CropID     int64   `json:"crop_id"`
	Proportion float64 `json:"proportion"`
}

// Job is one model run as the dispatcher sees it
type Job struct {
	ID                 JobID          `json:"id"`
	Name               string         `json:"name"`
	Status             JobStatus      `json:"status"`
	StatusMessage      string         `json:"status_message"`
	SimEndYear         int            `json:"sim_end_year"`
	ReductionStartYear int            `json:"reduction_start_year"`
	ReductionEndYear   int            `json:"reduction_end_year"`
	WaterContent       float64        `json:"water_content"`
	FlowScenario       Scenario       `json:"flow_scenario"`
	LoadScenario       Scenario       `json:"load_scenario"`
	UnsatScenario      Scenario       `json:"unsat_scenario"`
	Regions            []Region       `json:"regions"`
	Modifications      []Modification `json:"modifications"`
	WellCount          *int           `json:"n_wells,omitempty"`
	SubmittedAt        time.Time      `json:"date_submitted"`
	CompletedAt        *time.Time     `json:"date_completed,omitempty"`
}

// JobEvent is one row of the transition audit trail
type JobEvent struct {
	ID         string     `json:"id"`
	JobID      JobID      `json:"job_id"`
	FromStatus *JobStatus `json:"from_status,omitempty"`
	ToStatus   JobStatus  `json:"to_status"`
	Reason     string     `json:"reason"`
	At         time.Time  `json:"at"`
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleTransition means the job was not in the expected state when a
	// transition was attempted, so nothing was written.
	ErrStaleTransition = errors.New("job not in expected state")
)
