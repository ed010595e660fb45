package textscreen

// Categories reported as the verdict reason.
const (
	CategoryHateSpeech = "hate_speech"
	CategoryHarassment = "harassment"
	CategoryThreat     = "threat"
	CategorySexual     = "sexual_solicitation"
)

// DefaultAllowList returns greetings, small talk, and idioms that contain
// lexicon words but are harmless in conversation.
func DefaultAllowList() []string {
	return []string{
		"hello", "hi", "hey", "hey there", "hi there", "hello there",
		"good morning", "good afternoon", "good evening", "good night",
		"how are you", "how are you doing", "how is it going", "hows it going",
		"whats up", "nice to meet you", "see you later", "see you soon",
		"thank you", "thanks", "take care", "have a nice day",
		"you killed it", "killed it", "killing it", "you are killing it",
		"break a leg", "i could die laughing", "dying of laughter",
		"to die for", "knock them dead", "drop dead gorgeous",
		"shoot me a message", "shoot me a text",
	}
}

// DefaultLexicon returns the built-in weighted terms.
func DefaultLexicon() []Term {
	return []Term{
		{Phrase: "subhuman", Category: CategoryHateSpeech, Weight: 0.9},
		{Phrase: "vermin", Category: CategoryHateSpeech, Weight: 0.6},
		{Phrase: "go back to your country", Category: CategoryHateSpeech, Weight: 0.9},
		{Phrase: "inferior race", Category: CategoryHateSpeech, Weight: 1.0},
		{Phrase: "idiot", Category: CategoryHarassment, Weight: 0.3},
		{Phrase: "moron", Category: CategoryHarassment, Weight: 0.3},
		{Phrase: "stupid", Category: CategoryHarassment, Weight: 0.2},
		{Phrase: "loser", Category: CategoryHarassment, Weight: 0.2},
		{Phrase: "scum", Category: CategoryHarassment, Weight: 0.5},
		{Phrase: "i hate you", Category: CategoryHarassment, Weight: 0.5},
		{Phrase: "kill yourself", Category: CategoryThreat, Weight: 1.0},
		{Phrase: "kys", Category: CategoryThreat, Weight: 1.0},
		{Phrase: "i will find you", Category: CategoryThreat, Weight: 0.8},
		{Phrase: "shoot you", Category: CategoryThreat, Weight: 0.9},
		{Phrase: "kill", Category: CategoryThreat, Weight: 0.4},
		{Phrase: "die", Category: CategoryThreat, Weight: 0.3},
		{Phrase: "dead", Category: CategoryThreat, Weight: 0.2},
		{Phrase: "send nudes", Category: CategorySexual, Weight: 0.9},
		{Phrase: "nudes", Category: CategorySexual, Weight: 0.5},
	}
}
