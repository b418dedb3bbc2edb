package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleDonors_Matrix(t *testing.T) {
	// canonical[recipient][donor]
	canonical := map[BloodType]map[BloodType]bool{
		APositive:  {APositive: true, ANegative: true, OPositive: true, ONegative: true},
		ANegative:  {ANegative: true, ONegative: true},
		BPositive:  {BPositive: true, BNegative: true, OPositive: true, ONegative: true},
		BNegative:  {BNegative: true, ONegative: true},
		ABPositive: {APositive: true, ANegative: true, BPositive: true, BNegative: true, ABPositive: true, ABNegative: true, OPositive: true, ONegative: true},
		ABNegative: {ANegative: true, BNegative: true, ABNegative: true, ONegative: true},
		OPositive:  {OPositive: true, ONegative: true},
		ONegative:  {ONegative: true},
	}

	pairs := 0
	for _, recipient := range AllBloodTypes {
		donors, err := CompatibleDonors(recipient)
		require.NoError(t, err)
		set := make(map[BloodType]bool)
		for _, d := range donors {
			set[d] = true
		}
		for _, donor := range AllBloodTypes {
			pairs++
			assert.Equal(t, canonical[recipient][donor], set[donor], "recipient %s donor %s", recipient, donor)
		}
	}
	assert.Equal(t, 64, pairs)
}

func TestCompatibleDonors_Extremes(t *testing.T) {
	donors, err := CompatibleDonors(ABPositive)
	require.NoError(t, err)
	assert.ElementsMatch(t, AllBloodTypes, donors)

	donors, err = CompatibleDonors(ONegative)
	require.NoError(t, err)
	assert.Equal(t, []BloodType{ONegative}, donors)
}

func TestCompatibleDonors_Unknown(t *testing.T) {
	_, err := CompatibleDonors("C+")
	assert.ErrorIs(t, err, ErrInvalidBloodType)
}

func TestCompatibleDonors_ReturnsCopy(t *testing.T) {
	donors, err := CompatibleDonors(APositive)
	require.NoError(t, err)
	donors[0] = "XX"

	again, err := CompatibleDonors(APositive)
	require.NoError(t, err)
	assert.Equal(t, APositive, again[0])
}

func TestRecipientsOf(t *testing.T) {
	recipients, err := RecipientsOf(ONegative)
	require.NoError(t, err)
	assert.ElementsMatch(t, AllBloodTypes, recipients)

	recipients, err = RecipientsOf(ABPositive)
	require.NoError(t, err)
	assert.Equal(t, []BloodType{ABPositive}, recipients)

	recipients, err = RecipientsOf(ANegative)
	require.NoError(t, err)
	assert.ElementsMatch(t, []BloodType{APositive, ANegative, ABPositive, ABNegative}, recipients)

	_, err = RecipientsOf("")
	assert.ErrorIs(t, err, ErrInvalidBloodType)
}

func TestParseBloodType(t *testing.T) {
	bt, err := ParseBloodType(" ab- ")
	require.NoError(t, err)
	assert.Equal(t, ABNegative, bt)

	_, err = ParseBloodType("O")
	assert.ErrorIs(t, err, ErrInvalidBloodType)
}
