// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import (
	"fmt"
	"strings"
	"time"
)

// BusinessHours describes the working-time window used to derive the
// is_business_hours, is_weekend and is_after_hours attributes.
//
// The window is half-open: StartHour is inside it, EndHour is not.
type BusinessHours struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	Workdays  map[time.Weekday]bool
}

// DefaultBusinessHours is 09:00–17:00 UTC, Monday through Friday.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{
		Location:  time.UTC,
		StartHour: 9,
		EndHour:   17,
		Workdays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
	}
}

// NewBusinessHours builds a policy from configuration values. An empty
// timezone means UTC; an empty workday list means Monday–Friday.
func NewBusinessHours(timezone string, startHour, endHour int, workdays []string) (BusinessHours, error) {
	bh := DefaultBusinessHours()

	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return bh, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		bh.Location = loc
	}

	if startHour < 0 || endHour > 24 || startHour >= endHour {
		return bh, fmt.Errorf("invalid business hours window %d-%d", startHour, endHour)
	}
	bh.StartHour = startHour
	bh.EndHour = endHour

	if len(workdays) > 0 {
		bh.Workdays = make(map[time.Weekday]bool, len(workdays))
		for _, d := range workdays {
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return bh, fmt.Errorf("unknown workday %q", d)
			}
			bh.Workdays[wd] = true
		}
	}

	return bh, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func (bh BusinessHours) local(t time.Time) time.Time {
	if bh.Location == nil {
		return t.UTC()
	}
	return t.In(bh.Location)
}

func (bh BusinessHours) inWindow(t time.Time) bool {
	h := bh.local(t).Hour()
	return h >= bh.StartHour && h < bh.EndHour
}

// IsWeekend reports whether t falls on a Saturday or Sunday in the policy's
// timezone.
func (bh BusinessHours) IsWeekend(t time.Time) bool {
	wd := bh.local(t).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsBusinessHours reports whether t is on a workday and inside the window.
func (bh BusinessHours) IsBusinessHours(t time.Time) bool {
	return bh.Workdays[bh.local(t).Weekday()] && bh.inWindow(t)
}

// IsAfterHours reports whether t is outside the daily window, regardless of
// the weekday.
func (bh BusinessHours) IsAfterHours(t time.Time) bool {
	return !bh.inWindow(t)
}
