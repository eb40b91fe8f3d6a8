// Package condition evaluates the small boolean expression language used to gate
// scaling decisions on server metadata, e.g.
//
//	gamemode=bedwars AND (players>10 OR map~=^castle_.*) AND NOT maintenance
//
// Precedence, lowest to highest: OR, AND, NOT, parenthesised group, comparison.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

const (
	MaxExpressionLength = 1000
	MaxPatternLength    = 100
	MaxPatternCacheSize = 100
)

// Parser evaluates expressions and owns a bounded cache of compiled patterns.
// It is safe for concurrent use.
type Parser struct {
	mutex    sync.Mutex
	patterns map[string]*regexp.Regexp
}

func NewParser() *Parser {
	return &Parser{
		patterns: make(map[string]*regexp.Regexp),
	}
}

var defaultParser = NewParser()

// Evaluate evaluates expression against metadata using the shared parser
func Evaluate(expression string, metadata map[string]string) (bool, error) {
	return defaultParser.Evaluate(expression, metadata)
}

// Validate reports syntax and pattern errors using the shared parser
func Validate(expression string) error {
	return defaultParser.Validate(expression)
}

// Evaluate returns true for a blank expression. Oversized expressions and
// oversized or invalid patterns are validation errors.
func (p *Parser) Evaluate(expression string, metadata map[string]string) (bool, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return true, nil
	}
	if len(trimmed) > MaxExpressionLength {
		return false, errors.NewValidationError(
			fmt.Sprintf("expression too long: %d > %d", len(trimmed), MaxExpressionLength), nil)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return p.parseExpression(trimmed, metadata)
}

// Validate checks every regex pattern in expression by evaluating it against empty metadata
func (p *Parser) Validate(expression string) error {
	trimmed := strings.TrimSpace(expression)
	if len(trimmed) > MaxExpressionLength {
		return errors.NewValidationError(
			fmt.Sprintf("expression too long: %d > %d", len(trimmed), MaxExpressionLength), nil)
	}
	return p.validateExpression(trimmed)
}

func (p *Parser) parseExpression(expression string, metadata map[string]string) (bool, error) {
	expression = strings.TrimSpace(expression)

	if left, right, ok := splitTopLevel(expression, " OR "); ok {
		l, err := p.parseExpression(left, metadata)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return p.parseExpression(right, metadata)
	}

	if left, right, ok := splitTopLevel(expression, " AND "); ok {
		l, err := p.parseExpression(left, metadata)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return p.parseExpression(right, metadata)
	}

	if strings.HasPrefix(expression, "(") && strings.HasSuffix(expression, ")") {
		return p.parseExpression(expression[1:len(expression)-1], metadata)
	}

	if strings.HasPrefix(expression, "NOT ") {
		result, err := p.parseExpression(expression[4:], metadata)
		if err != nil {
			return false, err
		}
		return !result, nil
	}

	return p.evaluateComparison(expression, metadata)
}

func (p *Parser) validateExpression(expression string) error {
	expression = strings.TrimSpace(expression)
	if left, right, ok := splitTopLevel(expression, " OR "); ok {
		if err := p.validateExpression(left); err != nil {
			return err
		}
		return p.validateExpression(right)
	}
	if left, right, ok := splitTopLevel(expression, " AND "); ok {
		if err := p.validateExpression(left); err != nil {
			return err
		}
		return p.validateExpression(right)
	}
	if strings.HasPrefix(expression, "(") && strings.HasSuffix(expression, ")") {
		return p.validateExpression(expression[1 : len(expression)-1])
	}
	if strings.HasPrefix(expression, "NOT ") {
		return p.validateExpression(expression[4:])
	}
	if !strings.Contains(expression, "!=") {
		if _, pattern, ok := strings.Cut(expression, "~="); ok {
			_, err := p.compile(strings.TrimSpace(pattern))
			return err
		}
	}
	return nil
}

// splitTopLevel splits at the first occurrence of operator outside parentheses
func splitTopLevel(expression, operator string) (string, string, bool) {
	depth := 0
	for i := 0; i <= len(expression)-len(operator); i++ {
		switch expression[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(expression[i:], operator) {
				return strings.TrimSpace(expression[:i]), strings.TrimSpace(expression[i+len(operator):]), true
			}
		}
	}
	return "", "", false
}

func (p *Parser) evaluateComparison(condition string, metadata map[string]string) (bool, error) {
	condition = strings.TrimSpace(condition)

	if key, expected, ok := cut(condition, "!="); ok {
		actual, present := metadata[key]
		return !present || actual != expected, nil
	}

	if key, pattern, ok := cut(condition, "~="); ok {
		actual, present := metadata[key]
		if !present {
			// still reject an oversized pattern even when the key is missing
			if len(pattern) > MaxPatternLength {
				return false, patternTooLong(pattern)
			}
			return false, nil
		}
		re, err := p.compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(actual), nil
	}

	for _, op := range []string{">=", "<=", ">", "<"} {
		if key, expected, ok := cut(condition, op); ok {
			actual, present := metadata[key]
			if !present {
				return false, nil
			}
			return compareNumeric(actual, expected, op), nil
		}
	}

	if key, expected, ok := cut(condition, "="); ok {
		actual, present := metadata[key]
		return present && actual == expected, nil
	}

	if strings.HasPrefix(condition, "!") {
		_, present := metadata[strings.TrimSpace(condition[1:])]
		return !present, nil
	}

	_, present := metadata[condition]
	return present, nil
}

func cut(condition, op string) (string, string, bool) {
	key, value, ok := strings.Cut(condition, op)
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

func compareNumeric(actualValue, expectedValue, op string) bool {
	actual, err := strconv.ParseFloat(strings.TrimSpace(actualValue), 64)
	if err != nil {
		return false
	}
	expected, err := strconv.ParseFloat(expectedValue, 64)
	if err != nil {
		return false
	}
	switch op {
	case ">":
		return actual > expected
	case "<":
		return actual < expected
	case ">=":
		return actual >= expected
	case "<=":
		return actual <= expected
	}
	return false
}

func patternTooLong(pattern string) error {
	return errors.NewValidationError(
		fmt.Sprintf("regex pattern too long (max %d chars): %d", MaxPatternLength, len(pattern)), nil)
}

// compile returns a full-match regexp for pattern, caching the result.
// The cache is cleared wholesale once it reaches MaxPatternCacheSize.
func (p *Parser) compile(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > MaxPatternLength {
		return nil, patternTooLong(pattern)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if re, ok := p.patterns[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, errors.NewValidationError("invalid regex pattern: "+pattern, err)
	}

	if len(p.patterns) >= MaxPatternCacheSize {
		p.patterns = make(map[string]*regexp.Regexp)
	}
	p.patterns[pattern] = re
	return re, nil
}

func (p *Parser) cacheSize() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.patterns)
}
