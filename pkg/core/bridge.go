// pkg/core/bridge.go
package core

// BridgeInfo is the catalog document listing every inspected bridge and
// its attached reference material.
type BridgeInfo struct {
	Bridges []Bridge `json:"bridges"`
}

// Bridge groups the inspections and extra documents of one structure.
type Bridge struct {
	BridgeName      string           `json:"bridgeName"`
	BridgeRomanName string           `json:"bridgeRomanName"`
	Inspections     []Inspection     `json:"inspections"`
	AdditionalData  []AdditionalData `json:"additional_data"`
}

// Inspection is a link to one inspection report.
type Inspection struct {
	InspectionName string `json:"inspectionName"`
	InspectionLink string `json:"inspectionLink"`
}

// AdditionalData is a link to supplementary material (damage charts,
// drawings, spreadsheets).
type AdditionalData struct {
	DataName string `json:"data_name"`
	DataLink string `json:"data_link"`
}
