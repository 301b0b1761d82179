// ClassAd serialization: an expression count, one "attr = value" string per
// attribute, then MyType and TargetType.
package message

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PelicanPlatform/classad/classad"
)

// PutClassAdOptions control how ClassAds are serialized.
type PutClassAdOptions int

const (
	PutClassAdNone    PutClassAdOptions = 0
	PutClassAdNoTypes PutClassAdOptions = 1 << 0 // Don't send MyType/TargetType
)

// PutClassAdConfig provides configuration for ClassAd serialization
type PutClassAdConfig struct {
	Options   PutClassAdOptions
	Whitelist []string // If provided, only these attributes will be sent
}

// DefaultMaxClassAdAttrs bounds the expression count accepted by GetClassAd.
const DefaultMaxClassAdAttrs = 256

// PutClassAd writes a ClassAd with default options.
func (m *Message) PutClassAd(ctx context.Context, ad *classad.ClassAd) error {
	return m.PutClassAdWithOptions(ctx, ad, nil)
}

// PutClassAdWithOptions writes a ClassAd, honoring the whitelist and type options.
func (m *Message) PutClassAdWithOptions(ctx context.Context, ad *classad.ClassAd, config *PutClassAdConfig) error {
	if config == nil {
		config = &PutClassAdConfig{}
	}

	attrs := selectAttributes(ad, config.Whitelist)

	if err := m.PutInt(ctx, len(attrs)); err != nil {
		return fmt.Errorf("failed to write expression count: %w", err)
	}

	for _, attr := range attrs {
		expr, ok := ad.Lookup(attr)
		if !ok {
			return fmt.Errorf("attribute %s disappeared during serialization", attr)
		}
		if err := m.PutString(ctx, fmt.Sprintf("%s = %s", attr, expr.String())); err != nil {
			return fmt.Errorf("failed to write expression %s: %w", attr, err)
		}
	}

	if config.Options&PutClassAdNoTypes != 0 {
		return nil
	}

	myType, _ := ad.EvaluateAttrString("MyType")
	if err := m.PutString(ctx, myType); err != nil {
		return fmt.Errorf("failed to write MyType: %w", err)
	}
	targetType, _ := ad.EvaluateAttrString("TargetType")
	if err := m.PutString(ctx, targetType); err != nil {
		return fmt.Errorf("failed to write TargetType: %w", err)
	}
	return nil
}

// GetClassAd reads a ClassAd with default limits.
func (m *Message) GetClassAd(ctx context.Context) (*classad.ClassAd, error) {
	return m.GetClassAdWithMaxSize(ctx, DefaultMaxClassAdAttrs, DefaultMaxStringSize)
}

// GetClassAdWithMaxSize reads a ClassAd, rejecting more than maxAttrs
// expressions or any expression string longer than maxSize.
func (m *Message) GetClassAdWithMaxSize(ctx context.Context, maxAttrs, maxSize int) (*classad.ClassAd, error) {
	numExprs, err := m.GetInt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read expression count: %w", err)
	}
	if numExprs < 0 || numExprs > maxAttrs {
		return nil, fmt.Errorf("expression count %d outside allowed range [0, %d]", numExprs, maxAttrs)
	}

	ad := classad.New()
	for i := 0; i < numExprs; i++ {
		exprStr, err := m.GetStringWithMaxSize(ctx, maxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read expression %d of %d: %w", i, numExprs, err)
		}
		if err := parseAndInsertExpression(ad, exprStr); err != nil {
			return nil, fmt.Errorf("failed to parse expression %d of %d: %w", i, numExprs, err)
		}
	}

	myType, err := m.GetStringWithMaxSize(ctx, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read MyType: %w", err)
	}
	if myType != "" {
		_ = ad.Set("MyType", myType)
	}

	targetType, err := m.GetStringWithMaxSize(ctx, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read TargetType: %w", err)
	}
	if targetType != "" {
		_ = ad.Set("TargetType", targetType)
	}

	return ad, nil
}

// selectAttributes returns the attributes to send in a stable order,
// excluding MyType/TargetType which travel separately.
func selectAttributes(ad *classad.ClassAd, whitelist []string) []string {
	allowed := make(map[string]bool, len(whitelist))
	for _, attr := range whitelist {
		allowed[attr] = true
	}

	var result []string
	for _, attr := range ad.GetAttributes() {
		if attr == "MyType" || attr == "TargetType" {
			continue
		}
		if len(whitelist) > 0 && !allowed[attr] {
			continue
		}
		result = append(result, attr)
	}
	sort.Strings(result)
	return result
}

// parseAndInsertExpression parses "attr = value" and inserts it into ad.
func parseAndInsertExpression(ad *classad.ClassAd, exprStr string) error {
	eqPos := strings.Index(exprStr, "=")
	if eqPos == -1 {
		return fmt.Errorf("invalid expression format, missing '='")
	}

	attr := strings.TrimSpace(exprStr[:eqPos])
	valueStr := strings.TrimSpace(exprStr[eqPos+1:])
	if attr == "" {
		return fmt.Errorf("empty attribute name in expression")
	}

	if tryInsertLiteral(ad, attr, valueStr) {
		return nil
	}

	expr, err := classad.ParseExpr(valueStr)
	if err != nil {
		return fmt.Errorf("failed to parse value of %s: %w", attr, err)
	}
	ad.InsertExpr(attr, expr)
	return nil
}

// tryInsertLiteral handles booleans, numbers and plain quoted strings
// without the full expression parser.
func tryInsertLiteral(ad *classad.ClassAd, attr, valueStr string) bool {
	switch strings.ToUpper(valueStr) {
	case "TRUE":
		_ = ad.Set(attr, true)
		return true
	case "FALSE":
		_ = ad.Set(attr, false)
		return true
	}

	if len(valueStr) > 0 && (valueStr[0] == '-' || (valueStr[0] >= '0' && valueStr[0] <= '9')) {
		if !strings.Contains(valueStr, ".") {
			if val, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
				_ = ad.Set(attr, val)
				return true
			}
		} else if val, err := strconv.ParseFloat(valueStr, 64); err == nil {
			_ = ad.Set(attr, val)
			return true
		}
	}

	if len(valueStr) >= 2 && valueStr[0] == '"' && valueStr[len(valueStr)-1] == '"' {
		unquoted := valueStr[1 : len(valueStr)-1]
		if !strings.ContainsAny(unquoted, "\\\"") {
			_ = ad.Set(attr, unquoted)
			return true
		}
	}

	return false
}
