package contracts

// Offense categories recognised by the courtroom.
const (
	OffenseRepeatedQuestions = "repeatedQuestions"
	OffenseValidationSeeking = "validationSeeking"
	OffenseOverthinking      = "overthinking"
	OffenseAvoidance         = "avoidance"
)

// OffenseInfo describes a category for prompts and sentencing.
type OffenseInfo struct {
	Name        string
	Description string
	Severity    Tier
}

var offenseCatalog = []OffenseInfo{
	{OffenseRepeatedQuestions, "asking the same question again after it was answered", TierMinor},
	{OffenseValidationSeeking, "repeatedly asking to be told a choice is right instead of deciding", TierModerate},
	{OffenseOverthinking, "circling a simple decision without converging", TierModerate},
	{OffenseAvoidance, "deflecting from a task the user asked for", TierSevere},
}

// Offenses returns the catalog in a stable order.
func Offenses() []OffenseInfo {
	out := make([]OffenseInfo, len(offenseCatalog))
	copy(out, offenseCatalog)
	return out
}

// LookupOffense finds a category by name.
func LookupOffense(name string) (OffenseInfo, bool) {
	for _, o := range offenseCatalog {
		if o.Name == name {
			return o, true
		}
	}
	return OffenseInfo{}, false
}

// SeverityOf returns the base tier of an offense; unknown categories are minor.
func SeverityOf(name string) Tier {
	if o, ok := LookupOffense(name); ok {
		return o.Severity
	}
	return TierMinor
}

var tierOrder = []Tier{TierMinor, TierModerate, TierSevere}

// Next returns the tier one step more severe, saturating at severe.
func (t Tier) Next() Tier {
	for i, x := range tierOrder {
		if x == t && i+1 < len(tierOrder) {
			return tierOrder[i+1]
		}
	}
	return TierSevere
}
