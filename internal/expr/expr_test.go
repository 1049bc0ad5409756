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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAttrs() *Attributes {
	return &Attributes{
		Subject:             "URGENT: Server down",
		Sender:              "admin@company.com",
		SenderDomain:        "company.com",
		Priority:            "urgent",
		BodyText:            "The primary database is not responding.",
		RecipientCount:      2,
		AttachmentCount:     1,
		TotalAttachmentSize: 2048,
		HasAttachments:      true,
		IsBusinessHours:     true,
		AttachmentTypes:     []string{"application/pdf"},
	}
}

func TestEvaluate_Conditions(t *testing.T) {
	attrs := sampleAttrs()

	tests := []struct {
		cond string
		want bool
	}{
		{"priority == 'urgent' or contains(subject, 'URGENT')", true},
		{"priority == \"low\"", false},
		{"'URGENT' in subject", true},
		{"'urgent' in subject", false},
		{"'urgent' not in subject", true},
		{"contains(lower(subject), 'server')", true},
		{"starts_with(sender, 'ADMIN')", true},
		{"ends_with(sender_domain, '.org')", false},
		{"has_attachment_type('application/pdf')", true},
		{"has_attachment_type('image/png')", false},
		{"has_keyword('database')", true},
		{"recipient_count >= 2 and attachment_count < 3", true},
		{"total_attachment_size / 1024 == 2", true},
		{"total_attachment_size % 1000 == 48", true},
		{"-attachment_count + 1 == 0", true},
		{"len(sender_domain) == 11", true},
		{"upper(priority) == 'URGENT'", true},
		{"sender_domain + '!' == 'company.com!'", true},
		{"'abc' < 'abd'", true},
		{"not is_weekend && !is_after_hours", true},
		{"is_business_hours || false", true},
		{"(has_attachments and (priority != 'low'))", true},
		{"body_html == ''", true},
		{"subject == 'it\\'s'", false},
	}

	for _, tt := range tests {
		got, err := Evaluate(tt.cond, attrs)
		require.NoError(t, err, tt.cond)
		assert.Equal(t, tt.want, got, tt.cond)
	}
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		cond string
		kind ErrorKind
	}{
		{"", KindSyntax},
		{"priority", KindType},
		{"subject + 1 == 2", KindType},
		{"subject == 1", KindType},
		{"true < false", KindType},
		{"contains(subject)", KindArity},
		{"contains(subject, 1)", KindType},
		{"unknown_attr == 'x'", KindUnknownName},
		{"system('ls')", KindUnknownName},
		{"subject.lower() == 'x'", KindSyntax},
		{"subject[0] == 'U'", KindSyntax},
		{"subject = 'x'", KindSyntax},
		{"'unterminated", KindSyntax},
		{"'bad \\q escape' == subject", KindSyntax},
		{"1abc == 1", KindSyntax},
		{"99999999999999999999 > 1", KindSyntax},
		{"priority == 'urgent' and", KindSyntax},
		{"(priority == 'urgent'", KindSyntax},
		{"lower == 'x'", KindUnknownName},
		{"and == true", KindSyntax},
		{strings.Repeat("(", 100) + "true" + strings.Repeat(")", 100), KindTooDeep},
		{strings.Repeat("not ", 100) + "true", KindTooDeep},
		{"subject == '" + strings.Repeat("a", maxSourceLen) + "'", KindTooLong},
	}

	for _, tt := range tests {
		_, err := Compile(tt.cond)
		require.Error(t, err, tt.cond)

		var exprErr *Error
		require.True(t, errors.As(err, &exprErr), tt.cond)
		assert.Equal(t, tt.kind, exprErr.Kind, tt.cond)
		assert.True(t, errors.Is(err, ErrEvaluation))
		assert.False(t, Matches(tt.cond, sampleAttrs()), tt.cond)
	}
}

func TestEvaluate_RuntimeErrors(t *testing.T) {
	_, err := Evaluate("attachment_count / (recipient_count - 2) == 1", sampleAttrs())
	var exprErr *Error
	require.True(t, errors.As(err, &exprErr))
	assert.Equal(t, KindDivision, exprErr.Kind)

	assert.False(t, Matches("attachment_count % 0 == 0", sampleAttrs()))
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	ok, err := Evaluate("true or attachment_count / 0 == 1", sampleAttrs())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate("false and attachment_count / 0 == 1", sampleAttrs())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_StepBudget(t *testing.T) {
	var root node = &literal{v: boolValue(true)}
	for i := 0; i < maxSteps; i++ {
		root = &unaryOp{op: "not", x: root}
	}

	_, err := (&Program{root: root}).Eval(sampleAttrs())
	var exprErr *Error
	require.True(t, errors.As(err, &exprErr))
	assert.Equal(t, KindBudget, exprErr.Kind)
}

func TestError_DoesNotEchoSource(t *testing.T) {
	secret := "drop_tables_now_please"
	_, err := Compile(secret + " == 'x'")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)

	_, err = Compile("subject == 'x' ; " + secret)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)
}

func TestProgram_NilAttributes(t *testing.T) {
	p, err := Compile("subject == '' and not has_attachments")
	require.NoError(t, err)

	ok, err := p.Eval(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNamespaceListing(t *testing.T) {
	assert.Contains(t, AttributeNames(), "sender_domain")
	assert.Len(t, AttributeNames(), 13)
	assert.Equal(t, []string{
		"contains", "ends_with", "has_attachment_type", "has_keyword", "len", "lower", "starts_with", "upper",
	}, FunctionNames())
}
