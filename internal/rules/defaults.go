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

package rules

// Defaults returns the starter rule set.
func Defaults() []Rule {
	return []Rule{
		{
			Name:        "urgent_emails",
			Description: "Route urgent emails to high priority queue",
			Condition:   "priority == 'urgent' or contains(subject, 'URGENT')",
			Action:      "high_priority",
			Priority:    100,
			Enabled:     true,
		},
		{
			Name:        "support_emails",
			Description: "Route support emails based on subject keywords",
			Condition:   "contains(lower(subject), 'help') or contains(lower(subject), 'support')",
			Action:      "support",
			Priority:    80,
			Enabled:     true,
		},
		{
			Name:        "billing_emails",
			Description: "Route billing-related emails",
			Condition:   "contains(lower(subject), 'billing') or contains(lower(subject), 'invoice')",
			Action:      "billing",
			Priority:    70,
			Enabled:     true,
		},
	}
}

// Samples returns the fuller rule set written by create-config.
func Samples() []Rule {
	return append(Defaults(),
		Rule{
			Name:        "after_hours_urgent",
			Description: "Route after-hours emails with urgent keywords",
			Condition:   "is_after_hours and (contains(subject, 'urgent') or contains(body_text, 'emergency'))",
			Action:      "high_priority",
			Priority:    90,
			Enabled:     true,
		},
		Rule{
			Name:        "sales_inquiries",
			Description: "Route sales inquiries to sales team",
			Condition:   "contains(subject, 'quote') or contains(subject, 'pricing') or contains(subject, 'sales')",
			Action:      "sales",
			Priority:    75,
			Enabled:     true,
		},
		Rule{
			Name:        "large_attachments",
			Description: "Route emails with large attachments to special processing",
			Condition:   "has_attachments and total_attachment_size > 10485760",
			Action:      "high_priority",
			Priority:    60,
			Enabled:     true,
		},
	)
}
