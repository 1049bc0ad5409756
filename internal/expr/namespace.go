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

package expr

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Attributes is the complete set of values a condition can observe.
type Attributes struct {
	Subject             string
	Sender              string
	SenderDomain        string
	Priority            string
	BodyText            string
	BodyHTML            string
	RecipientCount      int
	AttachmentCount     int
	TotalAttachmentSize int64
	HasAttachments      bool
	IsBusinessHours     bool
	IsWeekend           bool
	IsAfterHours        bool

	// AttachmentTypes backs has_attachment_type(); it is not addressable by name.
	AttachmentTypes []string
}

type kind uint8

const (
	kindBool kind = iota + 1
	kindInt
	kindString
)

func (k kind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindInt:
		return "int"
	case kindString:
		return "string"
	default:
		return "invalid"
	}
}

type value struct {
	k kind
	b bool
	i int64
	s string
}

func boolValue(b bool) value     { return value{k: kindBool, b: b} }
func intValue(i int64) value     { return value{k: kindInt, i: i} }
func stringValue(s string) value { return value{k: kindString, s: s} }

type attribute struct {
	kind kind
	get  func(*Attributes) value
}

// attributes is the closed identifier table. Identifiers not listed here fail
// to compile.
var attributes = map[string]attribute{
	"subject":               {kindString, func(a *Attributes) value { return stringValue(a.Subject) }},
	"sender":                {kindString, func(a *Attributes) value { return stringValue(a.Sender) }},
	"sender_domain":         {kindString, func(a *Attributes) value { return stringValue(a.SenderDomain) }},
	"priority":              {kindString, func(a *Attributes) value { return stringValue(a.Priority) }},
	"body_text":             {kindString, func(a *Attributes) value { return stringValue(a.BodyText) }},
	"body_html":             {kindString, func(a *Attributes) value { return stringValue(a.BodyHTML) }},
	"recipient_count":       {kindInt, func(a *Attributes) value { return intValue(int64(a.RecipientCount)) }},
	"attachment_count":      {kindInt, func(a *Attributes) value { return intValue(int64(a.AttachmentCount)) }},
	"total_attachment_size": {kindInt, func(a *Attributes) value { return intValue(a.TotalAttachmentSize) }},
	"has_attachments":       {kindBool, func(a *Attributes) value { return boolValue(a.HasAttachments) }},
	"is_business_hours":     {kindBool, func(a *Attributes) value { return boolValue(a.IsBusinessHours) }},
	"is_weekend":            {kindBool, func(a *Attributes) value { return boolValue(a.IsWeekend) }},
	"is_after_hours":        {kindBool, func(a *Attributes) value { return boolValue(a.IsAfterHours) }},
}

type function struct {
	params []kind
	result kind
	call   func(a *Attributes, args []value) value
}

// functions is the closed function table.
var functions = map[string]function{
	"contains": {
		params: []kind{kindString, kindString},
		result: kindBool,
		call: func(_ *Attributes, args []value) value {
			return boolValue(strings.Contains(strings.ToLower(args[0].s), strings.ToLower(args[1].s)))
		},
	},
	"starts_with": {
		params: []kind{kindString, kindString},
		result: kindBool,
		call: func(_ *Attributes, args []value) value {
			return boolValue(strings.HasPrefix(strings.ToLower(args[0].s), strings.ToLower(args[1].s)))
		},
	},
	"ends_with": {
		params: []kind{kindString, kindString},
		result: kindBool,
		call: func(_ *Attributes, args []value) value {
			return boolValue(strings.HasSuffix(strings.ToLower(args[0].s), strings.ToLower(args[1].s)))
		},
	},
	"has_attachment_type": {
		params: []kind{kindString},
		result: kindBool,
		call: func(a *Attributes, args []value) value {
			want := strings.ToLower(strings.TrimSpace(args[0].s))
			for _, ct := range a.AttachmentTypes {
				ct = strings.ToLower(ct)
				if i := strings.IndexByte(ct, ';'); i >= 0 {
					ct = ct[:i]
				}
				if strings.TrimSpace(ct) == want {
					return boolValue(true)
				}
			}
			return boolValue(false)
		},
	},
	"has_keyword": {
		params: []kind{kindString},
		result: kindBool,
		call: func(a *Attributes, args []value) value {
			kw := strings.ToLower(args[0].s)
			return boolValue(strings.Contains(strings.ToLower(a.Subject), kw) ||
				strings.Contains(strings.ToLower(a.BodyText), kw))
		},
	},
	"lower": {
		params: []kind{kindString},
		result: kindString,
		call:   func(_ *Attributes, args []value) value { return stringValue(strings.ToLower(args[0].s)) },
	},
	"upper": {
		params: []kind{kindString},
		result: kindString,
		call:   func(_ *Attributes, args []value) value { return stringValue(strings.ToUpper(args[0].s)) },
	},
	"len": {
		params: []kind{kindString},
		result: kindInt,
		call: func(_ *Attributes, args []value) value {
			return intValue(int64(utf8.RuneCountInString(args[0].s)))
		},
	},
}

// AttributeNames lists the identifiers a condition may reference.
func AttributeNames() []string {
	names := make([]string, 0, len(attributes))
	for n := range attributes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FunctionNames lists the functions a condition may call.
func FunctionNames() []string {
	names := make([]string, 0, len(functions))
	for n := range functions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
