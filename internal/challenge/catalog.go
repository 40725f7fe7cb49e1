package challenge

// Variant is one entry in the challenge catalog: a question, the token
// that answers it, and a pool of distractors to pad the keyboard with.
type Variant struct {
	Name        string
	Question    string
	Correct     string
	Distractors []string
}

// DefaultCatalog is an emoji quiz. Picture answers work in any chat
// language and are awkward for join-flood scripts to solve blindly.
var DefaultCatalog = []Variant{
	{
		Name:        "fruit",
		Question:    "Which of these is a fruit?",
		Correct:     "🍎",
		Distractors: []string{"🚗", "🏠", "📱", "⚽"},
	},
	{
		Name:        "animal",
		Question:    "Which of these is an animal?",
		Correct:     "🐱",
		Distractors: []string{"🍕", "⚽", "📚", "🏠"},
	},
	{
		Name:        "vehicle",
		Question:    "Which of these is a vehicle?",
		Correct:     "🚗",
		Distractors: []string{"🍌", "🎵", "🌟", "📚"},
	},
	{
		Name:        "food",
		Question:    "Which of these is food?",
		Correct:     "🍕",
		Distractors: []string{"🏠", "📱", "⚽", "🌟"},
	},
	{
		Name:        "building",
		Question:    "Which of these is a building?",
		Correct:     "🏠",
		Distractors: []string{"🐶", "🍎", "🚗", "🎵"},
	},
	{
		Name:        "plant",
		Question:    "Which of these is a plant?",
		Correct:     "🌳",
		Distractors: []string{"📱", "⚽", "🚗", "🍕"},
	},
	{
		Name:        "readable",
		Question:    "Which of these can you read?",
		Correct:     "📚",
		Distractors: []string{"🍕", "🐱", "🌟", "👕"},
	},
	{
		Name:        "weather",
		Question:    "Which of these is a weather condition?",
		Correct:     "☀️",
		Distractors: []string{"🍎", "🚗", "📱", "🐱"},
	},
	{
		Name:        "instrument",
		Question:    "Which of these is a musical instrument?",
		Correct:     "🎸",
		Distractors: []string{"🍕", "🏠", "⚽", "☀️"},
	},
	{
		Name:        "drink",
		Question:    "Which of these is a drink?",
		Correct:     "☕",
		Distractors: []string{"🚗", "🏠", "⚽", "📚"},
	},
}

// QuestionFor returns the question text for a stored variant name, so
// the prompt can be rebuilt without persisting the whole variant.
func QuestionFor(catalog []Variant, name string) string {
	for _, v := range catalog {
		if v.Name == name {
			return v.Question
		}
	}
	return ""
}
