package types

// VulnerabilityPattern is a catalog entry describing a known vulnerability
// shape for one language. (CVEID, Language) is unique.
type VulnerabilityPattern struct {
	CVEID             string `json:"cveId" yaml:"cveId"`
	Language          string `json:"language" yaml:"language"`
	Summary           string `json:"summary" yaml:"summary"`
	ExampleCode       string `json:"exampleCode,omitempty" yaml:"exampleCode"`
	VulnerablePattern string `json:"vulnerablePattern" yaml:"vulnerablePattern"`
	FixedPattern      string `json:"fixedPattern" yaml:"fixedPattern"`
}
