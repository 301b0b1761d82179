package message

import (
	"context"
	"strings"
	"testing"

	"github.com/PelicanPlatform/classad/classad"
)

func roundTripClassAd(t *testing.T, ad *classad.ClassAd, config *PutClassAdConfig) *classad.ClassAd {
	t.Helper()
	ctx := context.Background()

	mock := NewMockStream()
	out := NewMessageForStream(mock)
	if err := out.PutClassAdWithOptions(ctx, ad, config); err != nil {
		t.Fatalf("PutClassAd failed: %v", err)
	}
	if err := out.FinishMessage(ctx); err != nil {
		t.Fatalf("FinishMessage failed: %v", err)
	}

	in := NewMessageFromStream(mock.rechunk(7))
	var (
		got *classad.ClassAd
		err error
	)
	if config != nil && config.Options&PutClassAdNoTypes != 0 {
		got, err = getClassAdNoTypes(ctx, in)
	} else {
		got, err = in.GetClassAd(ctx)
	}
	if err != nil {
		t.Fatalf("GetClassAd failed: %v", err)
	}
	return got
}

// getClassAdNoTypes reads only the expression list.
func getClassAdNoTypes(ctx context.Context, m *Message) (*classad.ClassAd, error) {
	n, err := m.GetInt(ctx)
	if err != nil {
		return nil, err
	}
	ad := classad.New()
	for i := 0; i < n; i++ {
		s, err := m.GetString(ctx)
		if err != nil {
			return nil, err
		}
		if err := parseAndInsertExpression(ad, s); err != nil {
			return nil, err
		}
	}
	return ad, nil
}

func TestClassAdSerialization(t *testing.T) {
	ad := classad.New()
	_ = ad.Set("MyType", "ClientBlock")
	_ = ad.Set("Version", 7)
	_ = ad.Set("Pid", 4242)
	_ = ad.Set("User", "alice")
	_ = ad.Set("OSName", "linux")
	_ = ad.Set("Trusted", true)
	_ = ad.Set("Ratio", 0.5)

	got := roundTripClassAd(t, ad, nil)

	if v, ok := got.EvaluateAttrString("MyType"); !ok || v != "ClientBlock" {
		t.Errorf("MyType mismatch: %q (ok=%v)", v, ok)
	}
	if v, ok := got.EvaluateAttrInt("Version"); !ok || v != 7 {
		t.Errorf("Version mismatch: %d (ok=%v)", v, ok)
	}
	if v, ok := got.EvaluateAttrInt("Pid"); !ok || v != 4242 {
		t.Errorf("Pid mismatch: %d (ok=%v)", v, ok)
	}
	if v, ok := got.EvaluateAttrString("User"); !ok || v != "alice" {
		t.Errorf("User mismatch: %q (ok=%v)", v, ok)
	}
	if v, ok := got.EvaluateAttrBool("Trusted"); !ok || !v {
		t.Errorf("Trusted mismatch: %v (ok=%v)", v, ok)
	}
}

func TestClassAdWhitelist(t *testing.T) {
	ad := classad.New()
	_ = ad.Set("User", "alice")
	_ = ad.Set("Secret", "do-not-send")

	got := roundTripClassAd(t, ad, &PutClassAdConfig{Whitelist: []string{"User"}})

	if _, ok := got.Lookup("Secret"); ok {
		t.Error("Attribute outside the whitelist was sent")
	}
	if v, ok := got.EvaluateAttrString("User"); !ok || v != "alice" {
		t.Errorf("User mismatch: %q (ok=%v)", v, ok)
	}
}

func TestClassAdNoTypes(t *testing.T) {
	ad := classad.New()
	_ = ad.Set("MyType", "ServerBlock")
	_ = ad.Set("ReturnCode", "AUTHORIZED")

	got := roundTripClassAd(t, ad, &PutClassAdConfig{Options: PutClassAdNoTypes})

	if _, ok := got.Lookup("MyType"); ok {
		t.Error("MyType was sent despite PutClassAdNoTypes")
	}
	if v, ok := got.EvaluateAttrString("ReturnCode"); !ok || v != "AUTHORIZED" {
		t.Errorf("ReturnCode mismatch: %q (ok=%v)", v, ok)
	}
}

func TestClassAdAttributeLimit(t *testing.T) {
	ctx := context.Background()
	ad := classad.New()
	for _, name := range []string{"A", "B", "C"} {
		_ = ad.Set(name, 1)
	}

	mock := NewMockStream()
	out := NewMessageForStream(mock)
	_ = out.PutClassAd(ctx, ad)
	_ = out.FinishMessage(ctx)

	_, err := NewMessageFromStream(mock).GetClassAdWithMaxSize(ctx, 2, 1024)
	if err == nil || !strings.Contains(err.Error(), "expression count") {
		t.Fatalf("Expected expression count error, got %v", err)
	}
}

func TestLiteralParsing(t *testing.T) {
	tests := []struct {
		expr  string
		check func(ad *classad.ClassAd) bool
	}{
		{"A = TRUE", func(ad *classad.ClassAd) bool { v, ok := ad.EvaluateAttrBool("A"); return ok && v }},
		{"A = false", func(ad *classad.ClassAd) bool { v, ok := ad.EvaluateAttrBool("A"); return ok && !v }},
		{"A = -12", func(ad *classad.ClassAd) bool { v, ok := ad.EvaluateAttrInt("A"); return ok && v == -12 }},
		{"A = \"plain\"", func(ad *classad.ClassAd) bool { v, ok := ad.EvaluateAttrString("A"); return ok && v == "plain" }},
		{"A = 1 + 2", func(ad *classad.ClassAd) bool { v, ok := ad.EvaluateAttrInt("A"); return ok && v == 3 }},
	}

	for _, tc := range tests {
		ad := classad.New()
		if err := parseAndInsertExpression(ad, tc.expr); err != nil {
			t.Fatalf("parse %q failed: %v", tc.expr, err)
		}
		if !tc.check(ad) {
			t.Errorf("Unexpected value for %q", tc.expr)
		}
	}

	if err := parseAndInsertExpression(classad.New(), "no equals sign"); err == nil {
		t.Error("Expected error for malformed expression")
	}
}
