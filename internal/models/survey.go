package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Identification document types accepted by the survey form.
var idTypes = map[string]bool{
	"CC": true, "TI": true, "CE": true, "PA": true, "RC": true, "NIT": true,
}

// SurveyRecord is the respondent form captured by a socializer in the field.
type SurveyRecord struct {
	FullName       string `json:"fullName"`
	IDType         string `json:"idType"`
	Identification string `json:"identification"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Address        string `json:"address,omitempty"`
	Gender         string `json:"gender,omitempty"`
	AgeRange       string `json:"ageRange,omitempty"`
	Region         string `json:"region,omitempty"`
	Department     string `json:"department,omitempty"`
	City           string `json:"city,omitempty"`
	Stratum        string `json:"stratum,omitempty"`
	Neighborhood   string `json:"neighborhood,omitempty"`
}

// Validate checks the mandatory respondent fields.
func (s *SurveyRecord) Validate() error {
	if strings.TrimSpace(s.FullName) == "" {
		return fmt.Errorf("fullName is required")
	}
	if !idTypes[s.IDType] {
		return fmt.Errorf("idType %q is not a valid document type", s.IDType)
	}
	if strings.TrimSpace(s.Identification) == "" {
		return fmt.Errorf("identification is required")
	}
	if s.Stratum != "" {
		n, err := strconv.Atoi(s.Stratum)
		if err != nil || n < 1 || n > 6 {
			return fmt.Errorf("stratum %q must be between 1 and 6", s.Stratum)
		}
	}
	return nil
}

// Fields converts the survey into record fields, omitting empty optional
// values. Stratum is sent as a number, the way the remote service stores it.
func (s *SurveyRecord) Fields() (RecordFields, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	f := RecordFields{
		"fullName":       strings.TrimSpace(s.FullName),
		"idType":         s.IDType,
		"identification": strings.TrimSpace(s.Identification),
	}
	optional := map[string]string{
		"email":        s.Email,
		"phone":        s.Phone,
		"address":      s.Address,
		"gender":       s.Gender,
		"ageRange":     s.AgeRange,
		"region":       s.Region,
		"department":   s.Department,
		"city":         s.City,
		"neighborhood": s.Neighborhood,
	}
	for k, v := range optional {
		if v = strings.TrimSpace(v); v != "" {
			f[k] = v
		}
	}
	if s.Stratum != "" {
		n, _ := strconv.Atoi(s.Stratum)
		f["stratum"] = n
	}
	return f, nil
}
