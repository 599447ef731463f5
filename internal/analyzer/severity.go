package analyzer

import "github.com/logrusorgru/aurora/v3"

// Severity represents the danger level of a finding.
type Severity int

const (
	// Safe indicates no danger detected.
	Safe Severity = iota
	// Low indicates a minor concern.
	Low
	// Medium indicates moderate risk with workarounds available.
	Medium
	// High indicates a table lock or rewrite is likely.
	High
	// Critical indicates data loss or extended downtime guaranteed.
	Critical
)

// String returns the uppercase label for the severity level.
func (s Severity) String() string {
	switch s {
	case Safe:
		return "SAFE"
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Colorize paints arg in the severity's colour. With colours disabled in
// au the value prints as plain text.
func (s Severity) Colorize(au aurora.Aurora, arg any) aurora.Value {
	switch s {
	case Safe:
		return au.Green(arg)
	case Low:
		return au.Cyan(arg)
	case Medium:
		return au.Yellow(arg)
	case High:
		return au.Red(arg)
	case Critical:
		return au.Bold(au.BrightRed(arg))
	default:
		return au.Reset(arg)
	}
}
