package tools

import (
	"rlm/pkg/proto"
)

// Capability is a class of tools granted per phase.
type Capability string

const (
	CapabilityRead              Capability = "read"
	CapabilityWrite             Capability = "write"
	CapabilityResearch          Capability = "research"
	CapabilityEmergencyResearch Capability = "emergency_research"
	CapabilityPlanning          Capability = "planning"
	CapabilityValidation        Capability = "validation"
)

// AllCapabilities lists capabilities in table order.
var AllCapabilities = []Capability{
	CapabilityRead,
	CapabilityWrite,
	CapabilityResearch,
	CapabilityEmergencyResearch,
	CapabilityPlanning,
	CapabilityValidation,
}

// PhaseCapability is one row of the capability table.
type PhaseCapability struct {
	Read              bool `json:"read"`
	Write             bool `json:"write"`
	Research          bool `json:"research"`
	EmergencyResearch bool `json:"emergency_research"`
	Planning          bool `json:"planning"`
	Validation        bool `json:"validation"`
}

// Has reports whether c is granted.
func (pc PhaseCapability) Has(c Capability) bool {
	switch c {
	case CapabilityRead:
		return pc.Read
	case CapabilityWrite:
		return pc.Write
	case CapabilityResearch:
		return pc.Research
	case CapabilityEmergencyResearch:
		return pc.EmergencyResearch
	case CapabilityPlanning:
		return pc.Planning
	case CapabilityValidation:
		return pc.Validation
	default:
		return false
	}
}

// phaseCapabilities is static. Write is granted only to build.implement and
// validation only to build.validate. Phases not listed get nothing.
//
//nolint:gochecknoglobals // static table
var phaseCapabilities = map[proto.Phase]PhaseCapability{
	proto.PhaseAnalyzeCode: {Read: true},
	proto.PhaseResearch:    {Read: true, Research: true},
	proto.PhaseDesign:      {Read: true, Research: true, Planning: true},
	proto.PhaseImplement:   {Read: true, Write: true},
	proto.PhaseValidate:    {Read: true, EmergencyResearch: true, Validation: true},
}

// CapabilitiesFor returns the capability row for phase. Unknown and terminal phases get none.
func CapabilitiesFor(phase proto.Phase) PhaseCapability {
	return phaseCapabilities[phase]
}
