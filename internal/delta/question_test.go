package delta

import (
	"reflect"
	"testing"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

func TestParseAskUserQuestionRoundTrip(t *testing.T) {
	q := wire.QuestionMetadata{
		Header:   "Auth method",
		Question: "Which authentication method should we use?",
		Options: []wire.QuestionOption{
			{Number: 1, Label: "OAuth", Description: "Use an external identity provider"},
			{Number: 2, Label: "API key"},
			{Number: 3, Label: "mTLS"},
			{Number: 4, Label: "None"},
		},
	}

	rendered := RenderAskUserQuestion(q)
	parsed, ok := ParseAskUserQuestion(rendered)
	if !ok {
		t.Fatalf("expected parse to succeed on rendered question, content:\n%s", rendered)
	}
	if !reflect.DeepEqual(*parsed, q) {
		t.Fatalf("round-trip mismatch:\nwant %+v\ngot  %+v", q, *parsed)
	}
}

func TestParseAskUserQuestionRequiresHeaderAndOption(t *testing.T) {
	if _, ok := ParseAskUserQuestion("just some text\nwith no header"); ok {
		t.Fatalf("expected parse to fail without a ☐ header line")
	}
	if _, ok := ParseAskUserQuestion("☐ Header only, no options"); ok {
		t.Fatalf("expected parse to fail with zero options")
	}
}

func TestParseAskUserQuestionFromRawBlock(t *testing.T) {
	block := "☐ Auth method\n" +
		"Which authentication method should we use?\n" +
		"1. OAuth\n" +
		"2. API key\n" +
		"3. mTLS\n" +
		"4. None\n"

	qm, ok := ParseAskUserQuestion(block)
	if !ok {
		t.Fatalf("expected parse success")
	}
	if qm.Header != "Auth method" {
		t.Fatalf("unexpected header: %q", qm.Header)
	}
	if len(qm.Options) != 4 {
		t.Fatalf("expected 4 options, got %d", len(qm.Options))
	}
	if !qm.Valid() {
		t.Fatalf("expected parsed question metadata to be valid")
	}
}
