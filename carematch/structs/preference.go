// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

// NotificationChannel is a preferred delivery mechanism for proposals.
// Delivery guarantees belong to the notifier adapter, not the engine.
type NotificationChannel string

const (
	ChannelPush     NotificationChannel = "PUSH"
	ChannelSMS      NotificationChannel = "SMS"
	ChannelEmail    NotificationChannel = "EMAIL"
	ChannelPhone    NotificationChannel = "PHONE_CALL"
	ChannelInApp    NotificationChannel = "IN_APP"
)

// Weekday mirrors time.Weekday but serializes as its name.
type Weekday string

const (
	Sunday    Weekday = "SUNDAY"
	Monday    Weekday = "MONDAY"
	Tuesday   Weekday = "TUESDAY"
	Wednesday Weekday = "WEDNESDAY"
	Thursday  Weekday = "THURSDAY"
	Friday    Weekday = "FRIDAY"
	Saturday  Weekday = "SATURDAY"
)

// ClockRange is a daily time-of-day window in "HH:MM" form.
type ClockRange struct {
	Start string
	End   string
}

// CaregiverPreferenceProfile holds a caregiver's self-service scheduling
// preferences. One per caregiver; written through upsert.
type CaregiverPreferenceProfile struct {
	CaregiverID    string
	OrganizationID string

	PreferredDays       []Weekday
	PreferredTimeRanges []ClockRange

	MaxShiftsPerWeek   int
	MaxHoursPerWeek    int
	MaxTravelMiles     float64

	WillingUrgent    bool
	WillingWeekends  bool
	WillingHolidays  bool

	// AcceptAutoAssignment lets a self-selected shift with a score at or
	// above the auto-assign threshold commit immediately.
	AcceptAutoAssignment bool

	NotificationChannels []NotificationChannel
	QuietHours           *ClockRange

	CreateTime time.Time
	ModifyTime time.Time
	Version    uint64
}

// Validate checks profile fields on upsert.
func (p *CaregiverPreferenceProfile) Validate() error {
	if p.CaregiverID == "" {
		return fmt.Errorf("missing caregiver id: %w", ErrValidation)
	}
	if p.MaxShiftsPerWeek < 0 || p.MaxHoursPerWeek < 0 || p.MaxTravelMiles < 0 {
		return fmt.Errorf("preference limits must not be negative: %w", ErrValidation)
	}
	for _, r := range p.PreferredTimeRanges {
		if err := validateClockRange(r); err != nil {
			return err
		}
	}
	if p.QuietHours != nil {
		if err := validateClockRange(*p.QuietHours); err != nil {
			return err
		}
	}
	return nil
}

func validateClockRange(r ClockRange) error {
	for _, v := range []string{r.Start, r.End} {
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("invalid clock value %q: %w", v, ErrValidation)
		}
	}
	return nil
}

// Copy returns a deep copy.
func (p *CaregiverPreferenceProfile) Copy() *CaregiverPreferenceProfile {
	if p == nil {
		return nil
	}
	np := *p
	np.PreferredDays = append([]Weekday(nil), p.PreferredDays...)
	np.PreferredTimeRanges = append([]ClockRange(nil), p.PreferredTimeRanges...)
	np.NotificationChannels = append([]NotificationChannel(nil), p.NotificationChannels...)
	if p.QuietHours != nil {
		q := *p.QuietHours
		np.QuietHours = &q
	}
	return &np
}
