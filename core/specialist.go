package core

// SpecialistCategory is the closed set of routing targets. New categories are
// added here as constants and to Categories; routing code never compares
// free-form strings.
type SpecialistCategory string

const (
	CategoryConversational SpecialistCategory = "conversational"
	CategoryResearch       SpecialistCategory = "research"
	CategoryCode           SpecialistCategory = "code"
	CategoryCreative       SpecialistCategory = "creative"
	CategoryDiagnostic     SpecialistCategory = "diagnostic"
)

// Categories lists every specialist category in a stable order.
var Categories = []SpecialistCategory{
	CategoryConversational,
	CategoryResearch,
	CategoryCode,
	CategoryCreative,
	CategoryDiagnostic,
}

// Generalist is the category used for ties and forced resolution.
const Generalist = CategoryConversational

// ParseSpecialistCategory maps a name to a known category.
func ParseSpecialistCategory(name string) (SpecialistCategory, bool) {
	for _, c := range Categories {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

func (c SpecialistCategory) String() string { return string(c) }
