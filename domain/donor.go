package domain

// DonorInfo is the contact projection carried with a matched donor
type DonorInfo struct {
	Username          string    `json:"username"`
	Phone             string    `json:"phone"`
	BloodType         BloodType `json:"bloodGroup"`
	NotificationToken string    `json:"-"`
}

// EligibleDonor is a donor matched to a request, with their distance to the hospital
type EligibleDonor struct {
	DonorID    string    `json:"donorId"`
	DistanceKm float64   `json:"distanceKm"`
	Info       DonorInfo `json:"donorInfo"`
}
