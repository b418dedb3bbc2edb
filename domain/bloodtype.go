package domain

import (
	"fmt"
	"strings"
)

// BloodType is one of the eight canonical ABO/Rh groups
type BloodType string

const (
	APositive  BloodType = "A+"
	ANegative  BloodType = "A-"
	BPositive  BloodType = "B+"
	BNegative  BloodType = "B-"
	ABPositive BloodType = "AB+"
	ABNegative BloodType = "AB-"
	OPositive  BloodType = "O+"
	ONegative  BloodType = "O-"
)

// AllBloodTypes lists the canonical groups in a stable order
var AllBloodTypes = []BloodType{APositive, ANegative, BPositive, BNegative, ABPositive, ABNegative, OPositive, ONegative}

// compatibility maps a recipient group to the donor groups it may receive from
var compatibility = map[BloodType][]BloodType{
	APositive:  {APositive, ANegative, OPositive, ONegative},
	ANegative:  {ANegative, ONegative},
	BPositive:  {BPositive, BNegative, OPositive, ONegative},
	BNegative:  {BNegative, ONegative},
	ABPositive: {APositive, ANegative, BPositive, BNegative, ABPositive, ABNegative, OPositive, ONegative},
	ABNegative: {ANegative, BNegative, ABNegative, ONegative},
	OPositive:  {OPositive, ONegative},
	ONegative:  {ONegative},
}

// ParseBloodType normalizes and validates a blood type string
func ParseBloodType(s string) (BloodType, error) {
	bt := BloodType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := compatibility[bt]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidBloodType, s)
	}
	return bt, nil
}

// Valid reports whether bt is one of the canonical groups
func (bt BloodType) Valid() bool {
	_, ok := compatibility[bt]
	return ok
}

// CompatibleDonors returns the donor groups that may safely donate to recipient.
// The returned slice is a copy.
func CompatibleDonors(recipient BloodType) ([]BloodType, error) {
	donors, ok := compatibility[recipient]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBloodType, string(recipient))
	}
	out := make([]BloodType, len(donors))
	copy(out, donors)
	return out, nil
}

// RecipientsOf returns the recipient groups a donor of the given group can give to
func RecipientsOf(donor BloodType) ([]BloodType, error) {
	if !donor.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBloodType, string(donor))
	}
	var recipients []BloodType
	for _, recipient := range AllBloodTypes {
		for _, d := range compatibility[recipient] {
			if d == donor {
				recipients = append(recipients, recipient)
				break
			}
		}
	}
	return recipients, nil
}
