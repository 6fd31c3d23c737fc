// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides fixture constructors for tests. Every constructor
// returns a valid entity with a fresh id; callers mutate fields as the
// test needs.
package mock

import (
	"time"

	uuidparse "github.com/hashicorp/go-uuid"

	"github.com/carematch/carematch/carematch/structs"
	"github.com/carematch/carematch/helper/pointer"
)

func newID() string {
	id, err := uuidparse.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}

// Shift returns a NEW open shift scheduled for a fixed future morning.
func Shift() *structs.OpenShift {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := time.Now().UTC()
	return &structs.OpenShift{
		ID:             newID(),
		VisitID:        newID(),
		ClientID:       newID(),
		OrganizationID: "org-1",
		BranchID:       "branch-1",
		ScheduledDate:  start.Truncate(24 * time.Hour),
		StartTime:      start,
		EndTime:        start.Add(2 * time.Hour),
		Timezone:       "America/New_York",
		ServiceType:    "PERSONAL_CARE",
		RequiredSkills: []string{"Personal Care"},
		Priority:       structs.ShiftPriorityNormal,
		Status:         structs.ShiftStatusNew,
		CreateTime:     now,
		ModifyTime:     now,
		Version:        1,
	}
}

// Caregiver returns an active, compliant caregiver in the default org
// and branch with the Personal Care skill and an active CNA credential.
func Caregiver() *structs.Caregiver {
	now := time.Now().UTC()
	return &structs.Caregiver{
		ID:             newID(),
		OrganizationID: "org-1",
		BranchIDs:      []string{"branch-1"},
		FirstName:      "Dana",
		LastName:       "Reyes",
		Gender:         structs.GenderFemale,
		Languages:      []string{"English"},
		Skills:         []string{"Personal Care"},
		Certifications: []*structs.Certification{
			{Name: "CNA", Status: structs.CertificationStatusActive},
		},
		ComplianceStatus:     structs.ComplianceStatusCompliant,
		EmploymentStatus:     structs.EmploymentStatusActive,
		Active:               true,
		HireDate:             now.AddDate(-2, 0, 0),
		MaxHoursPerWeek:      40,
		MaxConsecutiveShifts: 5,
		ReliabilityScore:     92,
		CreateTime:           now,
		ModifyTime:           now,
		Version:              1,
	}
}

// Context returns a conflict-free caregiver context for the given
// caregiver, 2.5 miles out with solid reliability.
func Context(c *structs.Caregiver) *structs.CaregiverContext {
	return &structs.CaregiverContext{
		Caregiver:          c,
		CurrentWeekMinutes: 1200,
		DistanceMiles:      pointer.Of(2.5),
		EstimatedTravelMinutes: pointer.Of(10),
		LatestClientRating: 4.5,
		ReliabilityScore:   92,
		AcceptanceRate30d:  0.8,
	}
}

// MatchingConfig returns the organization default configuration.
func MatchingConfig() *structs.MatchingConfiguration {
	cfg := structs.DefaultMatchingConfiguration("org-1")
	cfg.ID = newID()
	now := time.Now().UTC()
	cfg.CreateTime = now
	cfg.ModifyTime = now
	cfg.Version = 1
	return cfg
}

// Proposal returns a PENDING proposal pairing fresh shift and caregiver
// ids with a two-hour TTL.
func Proposal() *structs.AssignmentProposal {
	now := time.Now().UTC()
	return &structs.AssignmentProposal{
		ID:          newID(),
		ShiftID:     newID(),
		CaregiverID: newID(),
		Score:       85,
		Quality:     structs.MatchQualityExcellent,
		Status:      structs.ProposalStatusPending,
		ProposedAt:  now,
		ExpiresAt:   now.Add(2 * time.Hour),
		CreateTime:  now,
		ModifyTime:  now,
		Version:     1,
	}
}

// PreferenceProfile returns a permissive preference profile.
func PreferenceProfile(caregiverID string) *structs.CaregiverPreferenceProfile {
	now := time.Now().UTC()
	return &structs.CaregiverPreferenceProfile{
		CaregiverID:          caregiverID,
		OrganizationID:       "org-1",
		MaxShiftsPerWeek:     6,
		MaxHoursPerWeek:      40,
		MaxTravelMiles:       30,
		WillingUrgent:        true,
		WillingWeekends:      true,
		AcceptAutoAssignment: false,
		NotificationChannels: []structs.NotificationChannel{structs.ChannelPush},
		CreateTime:           now,
		ModifyTime:           now,
		Version:              1,
	}
}

// BulkRequest returns a pending bulk match job over one week.
func BulkRequest() *structs.BulkMatchRequest {
	now := time.Now().UTC()
	return &structs.BulkMatchRequest{
		ID:             newID(),
		OrganizationID: "org-1",
		DateFrom:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		DateTo:         time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		Goal:           structs.GoalBestMatch,
		Status:         structs.BulkMatchStatusPending,
		SubmittedBy:    "coordinator-1",
		SubmittedAt:    now,
		CreateTime:     now,
		ModifyTime:     now,
		Version:        1,
	}
}

// Experiment returns a two-arm hash-assigned experiment with ML enabled
// in the treatment arm.
func Experiment() *structs.Experiment {
	now := time.Now().UTC()
	return &structs.Experiment{
		ID:             newID(),
		OrganizationID: "org-1",
		Name:           "ml-blend-rollout",
		Method:         structs.AssignByHash,
		Variants: []*structs.ExperimentVariant{
			{Name: "control", MLEnabled: false},
			{Name: "treatment", MLEnabled: true, MLWeight: 0.3, MinMLConfidence: 0.5},
		},
		Active:     true,
		CreateTime: now,
		ModifyTime: now,
		Version:    1,
	}
}

// ModelEntry returns an active model registry row.
func ModelEntry(endpoint string) *structs.ModelRegistryEntry {
	now := time.Now().UTC()
	return &structs.ModelRegistryEntry{
		ID:             newID(),
		OrganizationID: "org-1",
		ModelID:        "match-ranker",
		ModelVersion:   "1.4.0",
		Endpoint:       endpoint,
		Active:         true,
		CreateTime:     now,
		ModifyTime:     now,
		Version:        1,
	}
}
