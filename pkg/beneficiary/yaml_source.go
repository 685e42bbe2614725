package beneficiary

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLConfidentialSource is a dev/lite-mode stand-in for the confidential
// store collaborator: a YAML file keyed by beneficiary_id, loaded once at
// startup. Production deployments point ConfidentialSource at whatever
// system actually owns the confidential store instead.
type YAMLConfidentialSource struct {
	records map[string]Confidential
}

func LoadYAMLConfidentialSource(path string) (*YAMLConfidentialSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("beneficiary: read confidential store file %q: %w", path, err)
	}
	var raw map[string]struct {
		Name         string `yaml:"name"`
		ContactEmail string `yaml:"contact_email"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("beneficiary: parse confidential store file %q: %w", path, err)
	}
	records := make(map[string]Confidential, len(raw))
	for id, r := range raw {
		records[id] = Confidential{BeneficiaryID: id, Name: r.Name, ContactEmail: r.ContactEmail}
	}
	return &YAMLConfidentialSource{records: records}, nil
}

func (s *YAMLConfidentialSource) LookupConfidential(ctx context.Context, beneficiaryID string) (Confidential, error) {
	rec, ok := s.records[beneficiaryID]
	if !ok {
		return Confidential{}, fmt.Errorf("beneficiary: no confidential record for %q", beneficiaryID)
	}
	return rec, nil
}
