package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxEmailLength    = 50
	MinPasswordLength = 8
	MaxPasswordLength = 25
)

var (
	angleBrackets   = regexp.MustCompile(`[<>]`)
	jsProtocol      = regexp.MustCompile(`(?i)javascript:`)
	eventHandler    = regexp.MustCompile(`(?i)on\w+\s*=`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)
	lowerPattern    = regexp.MustCompile(`[a-z]`)
	upperPattern    = regexp.MustCompile(`[A-Z]`)
	digitPattern    = regexp.MustCompile(`\d`)
	specialPattern  = regexp.MustCompile(`[@$!%*?&#^()_+=\-]`)

	sqlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|EXEC|EXECUTE)\b`),
		regexp.MustCompile(`(?i)(--|;|/\*|\*/|xp_|sp_)`),
		regexp.MustCompile(`(?i)(\bOR\b|\bAND\b).*[=<>]`),
		regexp.MustCompile(`(?i)UNION.*SELECT`),
	}
	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script\b.*?</script>`),
		jsProtocol,
		eventHandler,
		regexp.MustCompile(`(?i)<iframe`),
		regexp.MustCompile(`(?i)<object`),
		regexp.MustCompile(`(?i)<embed`),
	}

	commonPasswords = []string{"password", "12345678", "qwerty", "admin", "letmein"}
)

// SanitizeInput strips markup characters, script URLs and inline event handlers.
func SanitizeInput(input string) string {
	out := strings.TrimSpace(input)
	out = angleBrackets.ReplaceAllString(out, "")
	out = jsProtocol.ReplaceAllString(out, "")
	out = eventHandler.ReplaceAllString(out, "")
	return out
}

func IsValidEmail(email string) bool {
	return len(email) >= 1 && len(email) <= MaxEmailLength && emailPattern.MatchString(email)
}

func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

type PasswordStrength struct {
	IsValid  bool     `json:"is_valid"`
	Score    int      `json:"score"` // 0-4
	Feedback []string `json:"feedback"`
}

func CheckPasswordStrength(password string) PasswordStrength {
	feedback := []string{}
	score := 0

	switch {
	case len(password) < MinPasswordLength:
		feedback = append(feedback, fmt.Sprintf("Password should be at least %d characters", MinPasswordLength))
	case len(password) >= 12:
		score++
	}
	if len(password) > MaxPasswordLength {
		feedback = append(feedback, fmt.Sprintf("Password must be at most %d characters", MaxPasswordLength))
	}
	if lowerPattern.MatchString(password) {
		score++
	} else {
		feedback = append(feedback, "Add lowercase letters")
	}
	if upperPattern.MatchString(password) {
		score++
	} else {
		feedback = append(feedback, "Add uppercase letters")
	}
	if digitPattern.MatchString(password) {
		score++
	} else {
		feedback = append(feedback, "Add numbers")
	}
	if specialPattern.MatchString(password) {
		score++
	} else {
		feedback = append(feedback, `Add special characters (@$!%*?&#^()_+=\-)`)
	}

	lower := strings.ToLower(password)
	for _, common := range commonPasswords {
		if strings.Contains(lower, common) {
			feedback = append(feedback, "Avoid common words or patterns")
			score = max(0, score-2)
			break
		}
	}

	return PasswordStrength{
		IsValid:  score >= 4 && len(feedback) == 0,
		Score:    min(4, score),
		Feedback: feedback,
	}
}

func HasSQLInjection(input string) bool {
	for _, p := range sqlPatterns {
		if p.MatchString(input) {
			return true
		}
	}
	return false
}

func HasXSS(input string) bool {
	for _, p := range xssPatterns {
		if p.MatchString(input) {
			return true
		}
	}
	return false
}

type Sanitized struct {
	IsValid   bool
	Sanitized string
	Errors    []string
}

// ValidateAndSanitize runs the length, SQL and script checks and returns the
// sanitized input alongside any findings.
func ValidateAndSanitize(input string, maxLength int) Sanitized {
	if maxLength <= 0 {
		maxLength = 1000
	}
	var errs []string
	if len(input) > maxLength {
		errs = append(errs, fmt.Sprintf("Input exceeds maximum length of %d characters", maxLength))
	}
	if HasSQLInjection(input) {
		errs = append(errs, "Input contains potentially malicious SQL patterns")
	}
	if HasXSS(input) {
		errs = append(errs, "Input contains potentially malicious scripts")
	}
	return Sanitized{IsValid: len(errs) == 0, Sanitized: SanitizeInput(input), Errors: errs}
}

func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateSecureToken returns n random bytes hex encoded.
func GenerateSecureToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("utils: read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
